package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/mentionlab/mentionlab/pkg/jobs"
	"github.com/mentionlab/mentionlab/pkg/models"
	"github.com/mentionlab/mentionlab/pkg/provider"
	"github.com/mentionlab/mentionlab/pkg/scheduler"
	"github.com/mentionlab/mentionlab/pkg/services"
)

// HandleIngest turns one completion notification into attached results. The
// notification's processed flag and AttachResults' in-flight guard together
// absorb duplicate deliveries: the second ingest of the same completion
// finds either a processed notification or a batch already out of flight.
func (r *Runner) HandleIngest(ctx context.Context, job *scheduler.Job) error {
	var event models.ChangeEvent
	if err := job.UnmarshalData(&event); err != nil {
		return err
	}
	wsID := event.WorkspaceID
	log := slog.With("job_name", job.Name(),
		"workspace_id", wsID,
		"notification_id", event.DocumentID)
	started := time.Now().UTC()

	notifID, err := primitive.ObjectIDFromHex(event.DocumentID)
	if err != nil {
		log.Warn("Invalid notification id, dropping event", "error", err)
		return nil
	}

	notif, err := r.deps.Notifications.Get(ctx, wsID, notifID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			log.Warn("Notification not found, dropping event")
			return nil
		}
		return err
	}
	if notif.Processed {
		log.Info("Notification already processed")
		return nil
	}

	stats, ingestErr := r.ingest(ctx, wsID, notif)

	var errs []string
	if ingestErr != nil {
		errs = append(errs, ingestErr.Error())
	}
	history := models.NewJobHistory(jobs.IngestBatchNotification, started, time.Now().UTC(), errs)
	history.BytesDownloaded = stats.bytesDownloaded
	history.APICalls = stats.apiCalls
	r.recordHistory(ctx, wsID, history)

	// Failure leaves the notification unprocessed; the job retry picks it
	// back up.
	return ingestErr
}

// ingest resolves the notification's batch, fetches its outputs and marks
// the notification processed.
func (r *Runner) ingest(ctx context.Context, wsID string, notif *models.BatchNotification) (transferStats, error) {
	var stats transferStats
	log := slog.With("workspace_id", wsID, "output_location", notif.OutputLocation)

	batch, err := r.deps.Batches.FindByOutputLocation(ctx, wsID, notif.Provider, notif.OutputLocation)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			// Output locations are written at submit time, so a location no
			// batch claims now will never match later. Discard, not retry.
			log.Warn("No batch matches notification, discarding")
			return stats, r.deps.Notifications.MarkProcessed(ctx, wsID, notif.ID)
		}
		return stats, err
	}
	log = log.With("provider_batch_id", batch.ProviderBatchID)

	if batch.Status.IsTerminal() {
		log.Info("Batch already terminal, absorbing duplicate notification", "status", batch.Status)
		return stats, r.deps.Notifications.MarkProcessed(ctx, wsID, notif.ID)
	}

	prov, ok := r.deps.Providers.Get(batch.Provider)
	if !ok {
		return stats, fmt.Errorf("ingest for batch %s: %w", batch.ProviderBatchID, provider.ErrNotRegistered)
	}

	fetched, err := prov.FetchResults(ctx, batch)
	if err != nil {
		return stats, err
	}
	stats.bytesDownloaded = fetched.BytesDownloaded
	stats.apiCalls = fetched.APICalls

	if err := r.deps.Batches.AttachResults(ctx, wsID, batch.ID, fetched.Results); err != nil {
		if !errors.Is(err, services.ErrConcurrentModification) {
			return stats, err
		}
		log.Info("Batch already received elsewhere")
	} else {
		log.Info("Batch results received", "results", len(fetched.Results))
	}

	return stats, r.deps.Notifications.MarkProcessed(ctx, wsID, notif.ID)
}
