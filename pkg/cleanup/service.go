// Package cleanup enforces data retention: workspace data ages out per the
// billing plan's retention window, operational records per fixed TTLs.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/mentionlab/mentionlab/pkg/config"
	"github.com/mentionlab/mentionlab/pkg/models"
	"github.com/mentionlab/mentionlab/pkg/scheduler"
	"github.com/mentionlab/mentionlab/pkg/services"
)

// Deps bundles what the retention sweep needs. Every field is required.
type Deps struct {
	Config        *config.RetentionConfig
	Scheduler     *scheduler.Scheduler
	Workspaces    *services.WorkspaceService
	Billing       *services.BillingService
	Answers       *services.AnswerService
	Histories     *services.JobHistoryService
	Notifications *services.NotificationService
	Batches       *services.BatchService
}

// Service runs the periodic retention sweep. All deletions are idempotent
// and safe to run from multiple pods at once.
type Service struct {
	deps Deps

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService validates the dependency bundle.
func NewService(deps Deps) *Service {
	if deps.Config == nil {
		panic("cleanup.NewService: Config must not be nil")
	}
	if deps.Scheduler == nil {
		panic("cleanup.NewService: Scheduler must not be nil")
	}
	if deps.Workspaces == nil {
		panic("cleanup.NewService: Workspaces must not be nil")
	}
	if deps.Billing == nil {
		panic("cleanup.NewService: Billing must not be nil")
	}
	if deps.Answers == nil {
		panic("cleanup.NewService: Answers must not be nil")
	}
	if deps.Histories == nil {
		panic("cleanup.NewService: Histories must not be nil")
	}
	if deps.Notifications == nil {
		panic("cleanup.NewService: Notifications must not be nil")
	}
	if deps.Batches == nil {
		panic("cleanup.NewService: Batches must not be nil")
	}
	return &Service{deps: deps}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"interval", s.deps.Config.CleanupInterval,
		"notification_ttl", s.deps.Config.NotificationTTL,
		"job_record_ttl", s.deps.Config.JobRecordTTL)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.RunOnce(ctx)

	ticker := time.NewTicker(s.deps.Config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one full retention pass.
func (s *Service) RunOnce(ctx context.Context) {
	s.cleanupWorkspaces(ctx)
	s.cleanupJobRecords(ctx)
}

func (s *Service) cleanupWorkspaces(ctx context.Context) {
	workspaces, err := s.deps.Workspaces.List(ctx)
	if err != nil {
		slog.Error("Retention: workspace listing failed", "error", err)
		return
	}

	now := time.Now().UTC()
	for _, ws := range workspaces {
		if ctx.Err() != nil {
			return
		}
		s.cleanupWorkspace(ctx, &ws, now)
	}
}

func (s *Service) cleanupWorkspace(ctx context.Context, ws *models.Workspace, now time.Time) {
	wsID := ws.ID.Hex()

	// Processed notifications age out regardless of plan.
	count, err := s.deps.Notifications.DeleteProcessedBefore(ctx, wsID, now.Add(-s.deps.Config.NotificationTTL))
	if err != nil {
		slog.Error("Retention: notification cleanup failed", "workspace_id", wsID, "error", err)
	} else if count > 0 {
		slog.Info("Retention: deleted processed notifications", "workspace_id", wsID, "count", count)
	}

	profile, err := s.deps.Billing.GetProfile(ctx, ws.BillingProfileID)
	if err != nil {
		slog.Error("Retention: billing profile lookup failed", "workspace_id", wsID, "error", err)
		return
	}
	if profile.DataRetentionDays == models.Unlimited {
		return
	}
	cutoff := now.AddDate(0, 0, -profile.DataRetentionDays)

	if count, err := s.deps.Answers.DeleteOlderThan(ctx, wsID, cutoff); err != nil {
		slog.Error("Retention: answer cleanup failed", "workspace_id", wsID, "error", err)
	} else if count > 0 {
		slog.Info("Retention: deleted aged answer records", "workspace_id", wsID, "count", count)
	}

	if count, err := s.deps.Histories.DeleteOlderThan(ctx, wsID, cutoff); err != nil {
		slog.Error("Retention: job history cleanup failed", "workspace_id", wsID, "error", err)
	} else if count > 0 {
		slog.Info("Retention: deleted aged job histories", "workspace_id", wsID, "count", count)
	}

	if count, err := s.deps.Batches.DeleteTerminalBefore(ctx, wsID, cutoff); err != nil {
		slog.Error("Retention: batch cleanup failed", "workspace_id", wsID, "error", err)
	} else if count > 0 {
		slog.Info("Retention: deleted aged terminal batches", "workspace_id", wsID, "count", count)
	}
}

func (s *Service) cleanupJobRecords(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.deps.Config.JobRecordTTL)
	count, err := s.deps.Scheduler.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: job record cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted finished job records", "count", count)
	}
}
