package config

import (
	"os"
	"time"
)

// RateLimitRule caps calls in a rolling window, keyed per provider and
// scoped per workspace at call time.
type RateLimitRule struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// OpenAIConfig configures the OpenAI batch provider. The API key normally
// arrives via {{.OPENAI_API_KEY}} expansion or the env fallback; an empty
// key disables the provider.
type OpenAIConfig struct {
	APIKey string `yaml:"api_key"`
	// CompletionWindow is the batch API completion window ("24h" is the
	// only value the API accepts today).
	CompletionWindow string `yaml:"completion_window"`
}

// Enabled reports whether the provider has credentials.
func (c *OpenAIConfig) Enabled() bool {
	return c != nil && c.APIKey != ""
}

// VertexConfig configures the Vertex AI batch provider and its Pub/Sub
// completion channel. Project, region and bucket are all required for the
// provider to be enabled; the Pub/Sub fields only gate the listener.
type VertexConfig struct {
	ProjectID          string `yaml:"project_id"`
	Region             string `yaml:"region"`
	Bucket             string `yaml:"bucket"`
	PubSubTopic        string `yaml:"pubsub_topic"`
	PubSubSubscription string `yaml:"pubsub_subscription"`
}

// Enabled reports whether the provider has enough configuration to run.
func (c *VertexConfig) Enabled() bool {
	return c != nil && c.ProjectID != "" && c.Region != "" && c.Bucket != ""
}

// ListenerEnabled reports whether the Pub/Sub completion listener can run.
func (c *VertexConfig) ListenerEnabled() bool {
	return c.Enabled() && c.PubSubSubscription != ""
}

// ProvidersConfig groups provider settings.
type ProvidersConfig struct {
	OpenAI *OpenAIConfig `yaml:"openai"`
	Vertex *VertexConfig `yaml:"vertex"`
}

// DefaultRateLimits returns the built-in per-provider limiter rules.
func DefaultRateLimits() map[string]*RateLimitRule {
	return map[string]*RateLimitRule{
		"openai": {Limit: 300, Window: time.Minute},
		"vertex": {Limit: 300, Window: time.Minute},
	}
}

// resolveProvidersConfig applies env fallbacks so deployments that skip the
// YAML section entirely still get working providers from the environment.
func resolveProvidersConfig(p *ProvidersConfig) *ProvidersConfig {
	if p == nil {
		p = &ProvidersConfig{}
	}
	if p.OpenAI == nil {
		p.OpenAI = &OpenAIConfig{}
	}
	if p.Vertex == nil {
		p.Vertex = &VertexConfig{}
	}

	if p.OpenAI.APIKey == "" {
		p.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if p.OpenAI.CompletionWindow == "" {
		p.OpenAI.CompletionWindow = "24h"
	}

	if p.Vertex.ProjectID == "" {
		p.Vertex.ProjectID = os.Getenv("GCP_PROJECT_ID")
	}
	if p.Vertex.Region == "" {
		p.Vertex.Region = os.Getenv("GCP_REGION")
	}
	if p.Vertex.Bucket == "" {
		p.Vertex.Bucket = os.Getenv("GCS_BATCH_BUCKET")
	}
	if p.Vertex.PubSubTopic == "" {
		p.Vertex.PubSubTopic = os.Getenv("PUBSUB_BATCH_TOPIC")
	}
	if p.Vertex.PubSubSubscription == "" {
		p.Vertex.PubSubSubscription = os.Getenv("PUBSUB_BATCH_SUBSCRIPTION")
	}

	return p
}
