package config

// Config is the fully resolved runtime configuration.
type Config struct {
	configDir string

	Scheduler  *SchedulerConfig
	Router     *RouterConfig
	Batch      *BatchConfig
	Retention  *RetentionConfig
	RateLimits map[string]*RateLimitRule
	Providers  *ProvidersConfig
}

// ConfigDir returns the directory configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Stats summarizes resolved configuration for the startup log line.
type Stats struct {
	RateLimitRules int
	OpenAIEnabled  bool
	VertexEnabled  bool
}

// Stats returns configuration statistics.
func (c *Config) Stats() Stats {
	return Stats{
		RateLimitRules: len(c.RateLimits),
		OpenAIEnabled:  c.Providers.OpenAI.Enabled(),
		VertexEnabled:  c.Providers.Vertex.Enabled(),
	}
}
