package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"golang.org/x/sync/errgroup"

	"github.com/mentionlab/mentionlab/pkg/catalog"
	"github.com/mentionlab/mentionlab/pkg/jobs"
	"github.com/mentionlab/mentionlab/pkg/models"
	"github.com/mentionlab/mentionlab/pkg/provider"
	"github.com/mentionlab/mentionlab/pkg/scheduler"
)

// submitOutcome accumulates what one workspace/model submission contributed
// to the run's audit entry.
type submitOutcome struct {
	submitted     bool
	skipped       bool
	bytesUploaded int64
	apiCalls      int
	errs          []string
}

// HandleSubmit submits one workspace's prompt matrix: every active prompt
// against every allowed active model, one provider batch per model.
// Providers run in parallel; models within a provider run sequentially so
// one slow upload cannot starve the others of the submit window. Provider
// rejections are terminal (the batch document records the failure, the next
// cycle tries fresh); only infrastructure errors fail the job and retry.
func (r *Runner) HandleSubmit(ctx context.Context, job *scheduler.Job) error {
	var payload SubmitPayload
	if err := job.UnmarshalData(&payload); err != nil {
		return err
	}
	if payload.WorkspaceID == "" {
		return fmt.Errorf("submit job %s has no workspaceId", job.ID())
	}
	wsID := payload.WorkspaceID
	log := slog.With("job_name", job.Name(), "workspace_id", wsID)
	started := time.Now().UTC()

	profile, err := r.deps.Engine.ProfileForWorkspace(ctx, wsID)
	if err != nil {
		return err
	}

	prompts, err := r.deps.Prompts.ListActive(ctx, wsID)
	if err != nil {
		return err
	}
	if len(prompts) == 0 {
		log.Info("No active prompts, nothing to submit")
		return nil
	}

	allowed := allowedModels(profile)
	if len(allowed) == 0 {
		log.Info("No allowed active models, nothing to submit")
		return nil
	}

	groups := make(map[models.ProviderTag][]catalog.Model)
	for _, m := range allowed {
		groups[m.Provider] = append(groups[m.Provider], m)
	}

	// One timestamp for the whole cycle: custom ids of a run share it.
	ts := started.UnixMilli()

	var (
		mu            sync.Mutex
		errs          []string
		bytesUploaded int64
		apiCalls      int
		submitted     int
		skipped       int
	)

	g, gctx := errgroup.WithContext(ctx)
	for tag, group := range groups {
		prov, ok := r.deps.Providers.Get(tag)
		if !ok {
			log.Warn("Provider not configured, skipping its models",
				"provider", tag, "models", len(group))
			continue
		}
		g.Go(func() error {
			for _, model := range group {
				outcome, err := r.submitModel(gctx, wsID, prov, model, prompts, ts)
				mu.Lock()
				bytesUploaded += outcome.bytesUploaded
				apiCalls += outcome.apiCalls
				errs = append(errs, outcome.errs...)
				if outcome.submitted {
					submitted++
				}
				if outcome.skipped {
					skipped++
				}
				mu.Unlock()
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	waitErr := g.Wait()
	if waitErr != nil {
		errs = append(errs, waitErr.Error())
	}

	history := models.NewJobHistory(jobs.SubmitWorkspaceBatches, started, time.Now().UTC(), errs)
	history.BytesUploaded = bytesUploaded
	history.APICalls = apiCalls
	r.recordHistory(ctx, wsID, history)

	if waitErr != nil {
		return waitErr
	}
	log.Info("Workspace submission finished",
		"prompts", len(prompts),
		"models", len(allowed),
		"submitted", submitted,
		"skipped", skipped,
		"failures", len(errs))
	return nil
}

// submitModel runs one workspace/model submission: advisory lock, in-flight
// check, request lines, provider submit with bounded retry, batch document.
func (r *Runner) submitModel(ctx context.Context, wsID string, prov provider.Provider, model catalog.Model, prompts []models.Prompt, ts int64) (submitOutcome, error) {
	var outcome submitOutcome
	log := slog.With("workspace_id", wsID, "model_id", model.ID, "provider", prov.Tag())

	// The redis lock is convenience (it keeps two replicas from building
	// the same upload); the in-flight check below is the invariant.
	lockKey := "submit:" + wsID + ":" + model.ID
	token, ok, err := r.deps.Locker.Acquire(ctx, lockKey, r.deps.Config.SubmitLockLifetime)
	if err != nil {
		return outcome, err
	}
	if !ok {
		log.Info("Submission locked elsewhere, skipping model")
		outcome.skipped = true
		return outcome, nil
	}
	defer func() {
		// Release on a fresh context: the run context may be cancelled.
		if err := r.deps.Locker.Release(context.Background(), lockKey, token); err != nil {
			slog.Warn("Failed to release submit lock", "key", lockKey, "error", err)
		}
	}()

	inFlight, err := r.deps.Batches.HasInFlight(ctx, wsID, model.ID)
	if err != nil {
		return outcome, err
	}
	if inFlight {
		log.Info("Batch already in flight, skipping model")
		outcome.skipped = true
		return outcome, nil
	}

	requests := make([]provider.Request, 0, len(prompts))
	meta := make([]models.RequestMeta, 0, len(prompts))
	for _, p := range prompts {
		customID := BuildCustomID(wsID, p.ID, model.ID, ts)
		requests = append(requests, provider.Request{CustomID: customID, Prompt: p.Phrase})
		meta = append(meta, models.RequestMeta{CustomID: customID, PromptID: p.ID.Hex(), ModelID: model.ID})
	}

	var out *provider.SubmitOutput
	submitErr := retry.Do(
		func() error {
			var err error
			out, err = prov.SubmitBatch(ctx, provider.SubmitInput{
				WorkspaceID: wsID,
				Model:       model,
				Requests:    requests,
			})
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(r.deps.Config.SubmitAttempts)),
		retry.Delay(r.deps.Config.SubmitRetryDelay),
		retry.LastErrorOnly(true),
	)

	now := time.Now().UTC()
	if submitErr != nil {
		// Terminal for this cycle. The failed document makes the attempt
		// visible; it is not in flight, so the next cycle submits fresh.
		failed := &models.Batch{
			Provider:     prov.Tag(),
			ModelID:      model.ID,
			Status:       models.BatchStatusFailed,
			RequestCount: len(requests),
			Metadata:     models.BatchMetadata{Requests: meta},
			SubmittedAt:  now,
			FailReason:   submitErr.Error(),
		}
		if err := r.deps.Batches.Insert(ctx, wsID, failed); err != nil {
			return outcome, fmt.Errorf("failed to record failed batch for %s: %w", model.ID, err)
		}
		outcome.errs = append(outcome.errs, fmt.Sprintf("submit %s: %v", model.ID, submitErr))
		log.Warn("Batch submission failed", "error", submitErr)
		return outcome, nil
	}

	outcome.bytesUploaded = out.BytesUploaded
	outcome.apiCalls = out.APICalls

	batch := &models.Batch{
		Provider:        prov.Tag(),
		ProviderBatchID: out.ProviderBatchID,
		ModelID:         model.ID,
		Status:          models.BatchStatusSubmitted,
		RequestCount:    len(requests),
		Metadata:        models.BatchMetadata{Requests: meta},
		OutputLocation:  out.OutputLocation,
		SubmittedAt:     now,
	}
	if err := r.deps.Batches.Insert(ctx, wsID, batch); err != nil {
		// The provider accepted work we now cannot track. Surface loudly;
		// the job retry re-checks in-flight state once the write lands.
		return outcome, fmt.Errorf("failed to record submitted batch %s: %w", out.ProviderBatchID, err)
	}

	outcome.submitted = true
	log.Info("Batch submitted",
		"provider_batch_id", out.ProviderBatchID,
		"requests", len(requests))
	return outcome, nil
}

// allowedModels intersects the active catalog with the profile allow-list,
// preserving catalog order.
func allowedModels(profile *models.BillingProfile) []catalog.Model {
	allowed := make(map[string]bool, len(profile.AllowedModels))
	for _, id := range profile.AllowedModels {
		allowed[id] = true
	}
	var out []catalog.Model
	for _, m := range catalog.Active() {
		if allowed[m.ID] {
			out = append(out, m)
		}
	}
	return out
}
