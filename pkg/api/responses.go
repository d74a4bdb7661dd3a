package api

import "github.com/mentionlab/mentionlab/pkg/scheduler"

// HealthCheck is one component's verdict inside the health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// QueueStatsResponse is the GET /api/v1/queue/stats body.
type QueueStatsResponse struct {
	Jobs []scheduler.JobStats `json:"jobs"`
}

// WebhookResponse acknowledges an accepted webhook notification.
type WebhookResponse struct {
	Created     bool   `json:"created"`
	WorkspaceID string `json:"workspaceId"`
}

// ErrorResponse carries a human-readable error.
type ErrorResponse struct {
	Error string `json:"error"`
}
