package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/mentionlab/mentionlab/pkg/catalog"
	"github.com/mentionlab/mentionlab/pkg/jobs"
	"github.com/mentionlab/mentionlab/pkg/models"
	"github.com/mentionlab/mentionlab/pkg/provider"
	"github.com/mentionlab/mentionlab/pkg/scheduler"
	"github.com/mentionlab/mentionlab/pkg/services"
)

// HandleProcess fans out over one received batch's results: each line
// becomes an answer record with a brand sentiment verdict. Rows are handled
// sequentially so the lock extension cadence stays predictable. Per-row
// problems (unparseable line, missing prompt, failed sentiment call) are
// counted and skipped; only infrastructure errors fail the job, and a retry
// converges because answers upsert by custom id and the final flip is a CAS
// on isProcessed.
func (r *Runner) HandleProcess(ctx context.Context, job *scheduler.Job) error {
	var event models.ChangeEvent
	if err := job.UnmarshalData(&event); err != nil {
		return err
	}
	wsID := event.WorkspaceID
	log := slog.With("job_name", job.Name(),
		"workspace_id", wsID,
		"batch_id", event.DocumentID)
	started := time.Now().UTC()

	batchID, err := primitive.ObjectIDFromHex(event.DocumentID)
	if err != nil {
		log.Warn("Invalid batch id, dropping event", "error", err)
		return nil
	}

	b, err := r.deps.Batches.Get(ctx, wsID, batchID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			log.Warn("Batch not found, dropping event")
			return nil
		}
		return err
	}
	if b.IsProcessed {
		log.Info("Batch already processed")
		return nil
	}
	if b.Status != models.BatchStatusReceived {
		log.Warn("Batch is not received, dropping event", "status", b.Status)
		return nil
	}

	brands, err := r.deps.Brands.ListActive(ctx, wsID)
	if err != nil {
		return err
	}

	prov, ok := r.deps.Providers.Get(b.Provider)
	if !ok {
		return fmt.Errorf("process batch %s: %w", b.ProviderBatchID, provider.ErrNotRegistered)
	}
	analyzer, hasAnalyzer := r.deps.Providers.Analyzer(b.Provider)

	stats := models.ProcessingStats{TotalResults: len(b.Results)}
	apiCalls := 0
	var errs []string

	runErr := func() error {
		for i := range b.Results {
			if i > 0 && i%r.deps.Config.TouchEvery == 0 {
				if err := job.Touch(ctx); err != nil {
					return err
				}
			}

			result := &b.Results[i]
			record, err := r.buildAnswer(ctx, wsID, b, prov, result, &stats)
			if err != nil {
				return err
			}
			if record == nil {
				continue
			}

			if hasAnalyzer && len(brands) > 0 {
				out, err := r.analyzeSentiment(ctx, job, wsID, b, analyzer, brands, record.Response)
				if err != nil {
					return err
				}
				record.Sentiment = out.verdict
				apiCalls += out.apiCalls
				if out.completed {
					stats.SentimentCompleted++
				} else {
					stats.SentimentFailed++
				}
				if out.apiCalls > 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(r.deps.Config.SentimentDelay):
					}
				}
			}

			if err := r.deps.Answers.Upsert(ctx, wsID, record); err != nil {
				return err
			}
			stats.SavedResults++
		}
		return nil
	}()

	if runErr == nil {
		first, err := r.deps.Batches.MarkProcessed(ctx, wsID, b.ID, stats)
		if err != nil {
			runErr = err
		} else if !first {
			log.Info("Another run already marked the batch processed")
		}
	}

	if runErr != nil {
		errs = append(errs, runErr.Error())
	}
	history := models.NewJobHistory(jobs.ProcessBatchResults, started, time.Now().UTC(), errs)
	history.APICalls = apiCalls
	r.recordHistory(ctx, wsID, history)

	if runErr != nil {
		return runErr
	}
	log.Info("Batch processed",
		"saved", stats.SavedResults,
		"skipped", stats.SkippedResults,
		"sentiment_completed", stats.SentimentCompleted,
		"sentiment_failed", stats.SentimentFailed)
	return nil
}

// buildAnswer turns one result line into an answer record. Per-row defects
// log, bump the skip counter and return a nil record; only database errors
// propagate, because skipping those would silently drop answers.
func (r *Runner) buildAnswer(ctx context.Context, wsID string, b *models.Batch, prov provider.Provider, result *models.BatchResult, stats *models.ProcessingStats) (*models.AnswerRecord, error) {
	log := slog.With("workspace_id", wsID, "custom_id", result.CustomID)

	parsed, err := ParseCustomID(result.CustomID)
	if err != nil {
		log.Warn("Skipping result with malformed custom id", "error", err)
		stats.SkippedResults++
		return nil, nil
	}

	if result.Error != nil || result.StatusCode >= 400 || result.Body == nil {
		reason := "empty body"
		if result.Error != nil {
			reason = *result.Error
		}
		log.Warn("Skipping failed result line",
			"status_code", result.StatusCode, "reason", reason)
		stats.SkippedResults++
		return nil, nil
	}

	promptID, err := primitive.ObjectIDFromHex(parsed.PromptID)
	if err != nil {
		log.Warn("Skipping result with malformed prompt id", "error", err)
		stats.SkippedResults++
		return nil, nil
	}
	prompt, err := r.deps.Prompts.Get(ctx, wsID, promptID)
	if err != nil {
		if !errors.Is(err, services.ErrNotFound) {
			return nil, err
		}
		// Deleted since submission.
		log.Warn("Skipping result whose prompt no longer exists", "prompt_id", parsed.PromptID)
		stats.SkippedResults++
		return nil, nil
	}

	extraction, err := prov.ExtractText(result.Body)
	if err != nil {
		log.Warn("Skipping result with unextractable body", "error", err)
		stats.SkippedResults++
		return nil, nil
	}

	modelID := parsed.ModelID
	if meta := b.RequestMetaByCustomID(result.CustomID); meta != nil {
		modelID = meta.ModelID
	}

	return &models.AnswerRecord{
		CustomID:    result.CustomID,
		PromptID:    prompt.ID,
		PromptText:  prompt.Phrase,
		ModelID:     modelID,
		ModelName:   catalog.DisplayName(modelID),
		Provider:    b.Provider,
		Response:    extraction.Text,
		TotalTokens: extraction.TotalTokens,
		BatchID:     b.ID,
	}, nil
}

// sentimentOutcome reports one row's analysis attempt.
type sentimentOutcome struct {
	verdict   *models.SentimentAnalysis
	completed bool
	apiCalls  int
}

// analyzeSentiment produces the verdict for one answer. The limiter paces
// the call per workspace; a failed call is retried once after a long backoff
// (rate limits dominate these failures). A call that still fails, or a reply
// without parseable JSON, degrades to the default all-unmentioned verdict.
// Only context and limiter-store errors propagate.
func (r *Runner) analyzeSentiment(ctx context.Context, job *scheduler.Job, wsID string, b *models.Batch, analyzer provider.Analyzer, brands []models.Brand, answer string) (sentimentOutcome, error) {
	var out sentimentOutcome
	log := slog.With("workspace_id", wsID, "model_id", b.ModelID)

	entry, ok := catalog.ByID(b.ModelID)
	if !ok || entry.SentimentModel == "" {
		log.Warn("No sentiment model configured for this catalog entry")
		out.verdict = r.defaultVerdict(brands, "")
		return out, nil
	}

	onWait := func() {
		if err := job.Touch(ctx); err != nil {
			log.Warn("Failed to touch job while rate limited", "error", err)
		}
	}
	prompt := analysisPrompt(brands, answer)

	if err := r.deps.Limiter.Await(ctx, string(b.Provider), wsID, onWait); err != nil {
		return out, err
	}
	out.apiCalls++
	reply, callErr := analyzer.AnalyzeSentiment(ctx, entry.SentimentModel, entry.SentimentParams, prompt)
	if callErr != nil {
		log.Warn("Sentiment call failed, backing off before retry", "error", callErr)
		onWait()
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(r.deps.Config.SentimentRetryDelay):
		}
		if err := r.deps.Limiter.Await(ctx, string(b.Provider), wsID, onWait); err != nil {
			return out, err
		}
		out.apiCalls++
		reply, callErr = analyzer.AnalyzeSentiment(ctx, entry.SentimentModel, entry.SentimentParams, prompt)
	}
	if callErr != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		log.Warn("Sentiment analysis failed twice, using default verdict", "error", callErr)
		out.verdict = r.defaultVerdict(brands, entry.SentimentModel)
		return out, nil
	}

	verdict, err := ParseSentimentReply(reply, brands, answer)
	if err != nil {
		log.Warn("Sentiment reply not parseable, using default verdict", "error", err)
		out.verdict = r.defaultVerdict(brands, entry.SentimentModel)
		return out, nil
	}
	verdict.AnalyzedAt = time.Now().UTC()
	verdict.AnalyzedBy = entry.SentimentModel
	out.verdict = verdict
	out.completed = true
	return out, nil
}

// defaultVerdict stamps the fallback structure like a real analysis pass so
// downstream consumers never see a half-filled verdict.
func (r *Runner) defaultVerdict(brands []models.Brand, analyzedBy string) *models.SentimentAnalysis {
	verdict := DefaultSentiment(brands)
	verdict.AnalyzedAt = time.Now().UTC()
	verdict.AnalyzedBy = analyzedBy
	return verdict
}
