package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mentionlab/mentionlab/pkg/jobs"
	"github.com/mentionlab/mentionlab/pkg/scheduler"
)

// HandleSchedule scans due billing profiles and fans out one submission job
// per owning workspace. Advancing nextJobRunDate happens before the fan-out:
// the advance is a CAS, so of all replicas that see the same due profile
// exactly one wins the cycle and enqueues. Losing the advance means another
// replica already owns these workspaces.
func (r *Runner) HandleSchedule(ctx context.Context, job *scheduler.Job) error {
	log := slog.With("job_name", job.Name(), "job_id", job.ID())
	now := time.Now().UTC()

	profiles, err := r.deps.Billing.ListDueProfiles(ctx, now)
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		return nil
	}
	log.Info("Due billing profiles found", "count", len(profiles))

	var errs []error
	enqueued := 0
	for i := range profiles {
		profile := &profiles[i]

		won, err := r.deps.Billing.AdvanceNextRun(ctx, profile, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !won {
			continue
		}

		workspaces, err := r.deps.Workspaces.ListByBillingProfile(ctx, profile.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		for j := range workspaces {
			wsID := workspaces[j].ID.Hex()
			_, err := r.deps.Scheduler.Enqueue(ctx, jobs.SubmitWorkspaceBatches,
				SubmitPayload{WorkspaceID: wsID},
				scheduler.EnqueueOptions{Unique: jobs.SubmitUniqueKey(wsID)})
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to enqueue submission for workspace %s: %w", wsID, err))
				continue
			}
			enqueued++
		}
	}

	if enqueued > 0 {
		log.Info("Workspace submissions enqueued", "count", enqueued)
	}
	return errors.Join(errs...)
}
