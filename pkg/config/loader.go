package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the complete mentionlab.yaml file structure.
type YAMLConfig struct {
	Scheduler  *SchedulerConfig          `yaml:"scheduler"`
	Router     *RouterConfig             `yaml:"router"`
	Batch      *BatchConfig              `yaml:"batch"`
	Retention  *RetentionConfig          `yaml:"retention"`
	RateLimits map[string]*RateLimitRule `yaml:"rate_limits"`
	Providers  *ProvidersConfig          `yaml:"providers"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load mentionlab.yaml from configDir (optional; defaults apply)
//  2. Expand environment variables via {{.VAR}} templates
//  3. Merge built-in defaults under user values
//  4. Apply provider env fallbacks
//  5. Validate all sections
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"rate_limit_rules", stats.RateLimitRules,
		"openai_enabled", stats.OpenAIEnabled,
		"vertex_enabled", stats.VertexEnabled)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	userCfg, err := loader.loadMentionlabYAML()
	if err != nil {
		return nil, NewLoadError("mentionlab.yaml", err)
	}

	// Merge user values over section defaults. mergo leaves defaults in
	// place for anything the user did not set.
	scheduler := DefaultSchedulerConfig()
	if userCfg.Scheduler != nil {
		if err := mergo.Merge(scheduler, userCfg.Scheduler, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge scheduler config: %w", err)
		}
	}

	router := DefaultRouterConfig()
	if userCfg.Router != nil {
		if err := mergo.Merge(router, userCfg.Router, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge router config: %w", err)
		}
	}

	batch := DefaultBatchConfig()
	if userCfg.Batch != nil {
		if err := mergo.Merge(batch, userCfg.Batch, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge batch config: %w", err)
		}
	}

	retention := DefaultRetentionConfig()
	if userCfg.Retention != nil {
		if err := mergo.Merge(retention, userCfg.Retention, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge retention config: %w", err)
		}
	}

	rateLimits := DefaultRateLimits()
	for name, rule := range userCfg.RateLimits {
		rateLimits[name] = rule
	}

	providers := resolveProvidersConfig(userCfg.Providers)

	return &Config{
		configDir:  configDir,
		Scheduler:  scheduler,
		Router:     router,
		Batch:      batch,
		Retention:  retention,
		RateLimits: rateLimits,
		Providers:  providers,
	}, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax.
	// Note: ExpandEnv passes through original data on parse/execution
	// errors, allowing the YAML parser to handle the content (or fail
	// with a clearer error message).
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

// loadMentionlabYAML reads mentionlab.yaml. A missing file is not an
// error: env-only deployments run entirely on built-in defaults plus the
// provider env fallbacks.
func (l *configLoader) loadMentionlabYAML() (*YAMLConfig, error) {
	var config YAMLConfig
	config.RateLimits = make(map[string]*RateLimitRule)

	if err := l.loadYAML("mentionlab.yaml", &config); err != nil {
		if IsConfigNotFound(err) {
			slog.Info("No mentionlab.yaml found, using built-in defaults")
			return &config, nil
		}
		return nil, err
	}

	return &config, nil
}
