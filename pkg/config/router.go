package config

import "time"

// RouterConfig controls the change stream router: how rule ownership is
// heartbeated between replicas and how often the stream registry is
// reconciled against the desired state.
type RouterConfig struct {
	// HeartbeatInterval is how often an owning instance refreshes its
	// rule locks.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// StaleMultiplier times HeartbeatInterval gives the threshold after
	// which another instance may take a rule over.
	StaleMultiplier int `yaml:"stale_multiplier"`

	// SweepInterval is how often desired streams are reconciled with the
	// ones actually open (new workspaces discovered, dead streams
	// reopened). Kept at a minute or more; streams are expensive to open.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultRouterConfig returns the built-in router defaults.
func DefaultRouterConfig() *RouterConfig {
	return &RouterConfig{
		HeartbeatInterval: 15 * time.Second,
		StaleMultiplier:   3,
		SweepInterval:     90 * time.Second,
	}
}

// StaleAfter returns how long a rule lock may go without a heartbeat
// before it is claimable by another instance.
func (c *RouterConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleMultiplier) * c.HeartbeatInterval
}
