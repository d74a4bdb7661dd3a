// Package batch implements the scheduled job family that moves prompt
// batches through their lifecycle: scanning due billing profiles, submitting
// per-workspace prompt matrices to providers, polling in-flight batches,
// ingesting completion notifications and fanning out over received results
// into answer records with brand sentiment.
package batch

import (
	"context"
	"log/slog"

	"github.com/mentionlab/mentionlab/pkg/config"
	"github.com/mentionlab/mentionlab/pkg/entitlement"
	"github.com/mentionlab/mentionlab/pkg/models"
	"github.com/mentionlab/mentionlab/pkg/provider"
	"github.com/mentionlab/mentionlab/pkg/ratelimit"
	"github.com/mentionlab/mentionlab/pkg/scheduler"
	"github.com/mentionlab/mentionlab/pkg/services"
)

// Deps bundles what the batch handlers need. Every field is required.
type Deps struct {
	Config    *config.BatchConfig
	Scheduler *scheduler.Scheduler
	Providers *provider.Registry
	Limiter   *ratelimit.Limiter
	Locker    *ratelimit.Locker
	Engine    *entitlement.Engine

	Workspaces    *services.WorkspaceService
	Billing       *services.BillingService
	Prompts       *services.PromptService
	Brands        *services.BrandService
	Batches       *services.BatchService
	Answers       *services.AnswerService
	Notifications *services.NotificationService
	History       *services.JobHistoryService
}

// Runner hosts the batch job handlers. One instance serves all workspaces;
// per-run state lives on the job record and in the stores.
type Runner struct {
	deps Deps
}

// NewRunner validates the dependency bundle.
func NewRunner(deps Deps) *Runner {
	if deps.Config == nil {
		panic("batch.NewRunner: Config must not be nil")
	}
	if deps.Scheduler == nil {
		panic("batch.NewRunner: Scheduler must not be nil")
	}
	if deps.Providers == nil {
		panic("batch.NewRunner: Providers must not be nil")
	}
	if deps.Limiter == nil {
		panic("batch.NewRunner: Limiter must not be nil")
	}
	if deps.Locker == nil {
		panic("batch.NewRunner: Locker must not be nil")
	}
	if deps.Engine == nil {
		panic("batch.NewRunner: Engine must not be nil")
	}
	if deps.Workspaces == nil {
		panic("batch.NewRunner: Workspaces must not be nil")
	}
	if deps.Billing == nil {
		panic("batch.NewRunner: Billing must not be nil")
	}
	if deps.Prompts == nil {
		panic("batch.NewRunner: Prompts must not be nil")
	}
	if deps.Brands == nil {
		panic("batch.NewRunner: Brands must not be nil")
	}
	if deps.Batches == nil {
		panic("batch.NewRunner: Batches must not be nil")
	}
	if deps.Answers == nil {
		panic("batch.NewRunner: Answers must not be nil")
	}
	if deps.Notifications == nil {
		panic("batch.NewRunner: Notifications must not be nil")
	}
	if deps.History == nil {
		panic("batch.NewRunner: History must not be nil")
	}
	return &Runner{deps: deps}
}

// SubmitPayload is the payload of one submit-workspace-batches job.
type SubmitPayload struct {
	WorkspaceID string `json:"workspaceId"`
}

// recordHistory writes the audit entry for one run. Audit writes never fail
// a job.
func (r *Runner) recordHistory(ctx context.Context, workspaceID string, history *models.JobHistory) {
	if err := r.deps.History.Record(ctx, workspaceID, history); err != nil {
		slog.Warn("Failed to record job history",
			"workspace_id", workspaceID,
			"job_name", history.JobName,
			"error", err)
	}
}
