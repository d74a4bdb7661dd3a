package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mentionlab/mentionlab/pkg/jobs"
	"github.com/mentionlab/mentionlab/pkg/models"
	"github.com/mentionlab/mentionlab/pkg/scheduler"
	"github.com/mentionlab/mentionlab/pkg/services"
)

// transferStats counts provider traffic for the audit entry.
type transferStats struct {
	bytesDownloaded int64
	apiCalls        int
}

// HandlePoll sweeps every workspace's in-flight batches and advances their
// status. Completed batches get their results fetched and attached here,
// which is the flip to received the change router reacts to. One workspace's
// trouble never stops the sweep; the lock is refreshed between workspaces
// because a fleet-wide sweep can outlive any reasonable lock lifetime.
func (r *Runner) HandlePoll(ctx context.Context, job *scheduler.Job) error {
	workspaces, err := r.deps.Workspaces.List(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for i := range workspaces {
		wsID := workspaces[i].ID.Hex()
		if err := r.pollWorkspace(ctx, wsID); err != nil {
			errs = append(errs, fmt.Errorf("workspace %s: %w", wsID, err))
		}
		if err := job.Touch(ctx); err != nil {
			// Lock lost: another replica owns the sweep now.
			return err
		}
	}
	return errors.Join(errs...)
}

// pollWorkspace polls one workspace's in-flight batches and writes its audit
// entry. Workspaces with nothing in flight leave no trace.
func (r *Runner) pollWorkspace(ctx context.Context, wsID string) error {
	inFlight, err := r.deps.Batches.ListInFlight(ctx, wsID)
	if err != nil {
		return err
	}
	if len(inFlight) == 0 {
		return nil
	}

	started := time.Now().UTC()
	var (
		errs  []string
		total transferStats
	)
	for i := range inFlight {
		stats, err := r.pollBatch(ctx, wsID, &inFlight[i])
		total.bytesDownloaded += stats.bytesDownloaded
		total.apiCalls += stats.apiCalls
		if err != nil {
			errs = append(errs, fmt.Sprintf("poll %s: %v", inFlight[i].ProviderBatchID, err))
		}
	}

	history := models.NewJobHistory(jobs.PollProviderBatches, started, time.Now().UTC(), errs)
	history.BytesDownloaded = total.bytesDownloaded
	history.APICalls = total.apiCalls
	r.recordHistory(ctx, wsID, history)
	return nil
}

// pollBatch asks the provider about one batch and applies the transition.
func (r *Runner) pollBatch(ctx context.Context, wsID string, b *models.Batch) (transferStats, error) {
	var stats transferStats
	log := slog.With("workspace_id", wsID,
		"provider_batch_id", b.ProviderBatchID,
		"model_id", b.ModelID)

	prov, ok := r.deps.Providers.Get(b.Provider)
	if !ok {
		// Credentials were removed while the batch was in flight. Leave it;
		// re-enabling the provider resumes polling.
		log.Warn("Provider not configured, leaving batch in flight", "provider", b.Provider)
		return stats, nil
	}

	out, err := prov.PollBatch(ctx, b)
	stats.apiCalls++
	if err != nil {
		return stats, err
	}

	switch {
	case out.Failed:
		if err := r.deps.Batches.MarkFailed(ctx, wsID, b.ID, out.Status, out.FailReason); err != nil {
			return stats, err
		}
		log.Warn("Batch ended without results",
			"status", out.Status,
			"provider_state", out.ProviderState,
			"reason", out.FailReason)

	case out.Done:
		if b.OutputLocation == "" && out.OutputLocation != "" {
			// Providers that only reveal the output prefix at completion.
			b.OutputLocation = out.OutputLocation
		}
		fetched, err := prov.FetchResults(ctx, b)
		if err != nil {
			return stats, err
		}
		stats.bytesDownloaded += fetched.BytesDownloaded
		stats.apiCalls += fetched.APICalls

		if err := r.deps.Batches.AttachResults(ctx, wsID, b.ID, fetched.Results); err != nil {
			if errors.Is(err, services.ErrConcurrentModification) {
				// A notification beat the poll to it.
				log.Info("Batch already received elsewhere")
				return stats, nil
			}
			return stats, err
		}
		log.Info("Batch results received", "results", len(fetched.Results))

	case out.Status != b.Status:
		if err := r.deps.Batches.SetStatus(ctx, wsID, b.ID, out.Status); err != nil {
			return stats, err
		}
		log.Info("Batch status advanced", "from", b.Status, "to", out.Status)
	}

	return stats, nil
}
