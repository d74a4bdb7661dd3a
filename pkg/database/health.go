package database

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// HealthStatus reports the outcome of a database health probe.
type HealthStatus struct {
	Reachable bool   `json:"reachable"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Health pings the primary and reports round-trip latency. Used by the
// HTTP health endpoint; failures are returned, never fatal.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	start := time.Now()
	if err := c.mongo.Ping(ctx, readpref.Primary()); err != nil {
		return HealthStatus{Reachable: false, Error: err.Error()}, err
	}
	return HealthStatus{
		Reachable: true,
		LatencyMS: time.Since(start).Milliseconds(),
	}, nil
}
