package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mentionlab/mentionlab/pkg/database"
	"github.com/mentionlab/mentionlab/pkg/models"
)

// BatchService persists batch lifecycle transitions. Writes that race
// (poller vs ingestion vs processor) are all guarded updates: whichever
// writer matches first wins and the loser observes a zero match.
type BatchService struct {
	db *database.Client
}

// NewBatchService creates a new BatchService.
func NewBatchService(db *database.Client) *BatchService {
	if db == nil {
		panic("NewBatchService: db must not be nil")
	}
	return &BatchService{db: db}
}

// Insert stores a freshly submitted batch document.
func (s *BatchService) Insert(ctx context.Context, workspaceID string, batch *models.Batch) error {
	res, err := s.db.Workspace(workspaceID).Batches().InsertOne(ctx, batch)
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}
	batch.ID = res.InsertedID.(primitive.ObjectID)
	return nil
}

// Get loads one batch.
func (s *BatchService) Get(ctx context.Context, workspaceID string, batchID primitive.ObjectID) (*models.Batch, error) {
	var batch models.Batch
	err := s.db.Workspace(workspaceID).Batches().FindOne(ctx, bson.M{"_id": batchID}).Decode(&batch)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load batch %s: %w", batchID.Hex(), err)
	}
	return &batch, nil
}

// HasInFlight reports whether a batch for this workspace/model pair is
// still with the provider. At most one may be.
func (s *BatchService) HasInFlight(ctx context.Context, workspaceID, modelID string) (bool, error) {
	count, err := s.db.Workspace(workspaceID).Batches().CountDocuments(ctx, bson.M{
		"modelId": modelID,
		"status":  bson.M{"$in": models.InFlightStatuses()},
	}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("failed to check in-flight batches for model %s: %w", modelID, err)
	}
	return count > 0, nil
}

// ListInFlight returns the batches the poller needs to ask the provider
// about.
func (s *BatchService) ListInFlight(ctx context.Context, workspaceID string) ([]models.Batch, error) {
	cursor, err := s.db.Workspace(workspaceID).Batches().Find(ctx, bson.M{
		"status": bson.M{"$in": models.InFlightStatuses()},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list in-flight batches: %w", err)
	}
	var out []models.Batch
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode batches: %w", err)
	}
	return out, nil
}

// SetStatus records an in-flight transition (submitted → validating →
// in_progress). The guard keeps terminal states monotonic: once a batch
// left the in-flight set no poll result can drag it back.
func (s *BatchService) SetStatus(ctx context.Context, workspaceID string, batchID primitive.ObjectID, status models.BatchStatus) error {
	_, err := s.db.Workspace(workspaceID).Batches().UpdateOne(ctx,
		bson.M{"_id": batchID, "status": bson.M{"$in": models.InFlightStatuses()}},
		bson.M{"$set": bson.M{"status": status}})
	if err != nil {
		return fmt.Errorf("failed to set batch %s status to %s: %w", batchID.Hex(), status, err)
	}
	return nil
}

// AttachResults stores the normalized output lines and flips the batch to
// received — the transition the change router reacts to. Only an in-flight
// batch matches, so a duplicate delivery of the same outputs is a no-op
// reported as ErrConcurrentModification.
func (s *BatchService) AttachResults(ctx context.Context, workspaceID string, batchID primitive.ObjectID, results []models.BatchResult) error {
	now := time.Now().UTC()
	res, err := s.db.Workspace(workspaceID).Batches().UpdateOne(ctx,
		bson.M{"_id": batchID, "status": bson.M{"$in": models.InFlightStatuses()}},
		bson.M{"$set": bson.M{
			"status":      models.BatchStatusReceived,
			"results":     results,
			"completedAt": now,
		}})
	if err != nil {
		return fmt.Errorf("failed to attach results to batch %s: %w", batchID.Hex(), err)
	}
	if res.MatchedCount == 0 {
		return ErrConcurrentModification
	}
	return nil
}

// MarkFailed records a terminal provider outcome (failed, expired,
// cancelled) with its reason.
func (s *BatchService) MarkFailed(ctx context.Context, workspaceID string, batchID primitive.ObjectID, status models.BatchStatus, reason string) error {
	if !status.IsTerminal() || status == models.BatchStatusReceived {
		return NewValidationError("status", fmt.Sprintf("'%s' is not a failure status", status))
	}
	now := time.Now().UTC()
	_, err := s.db.Workspace(workspaceID).Batches().UpdateOne(ctx,
		bson.M{"_id": batchID, "status": bson.M{"$in": models.InFlightStatuses()}},
		bson.M{"$set": bson.M{
			"status":      status,
			"failReason":  reason,
			"completedAt": now,
		}})
	if err != nil {
		return fmt.Errorf("failed to mark batch %s as %s: %w", batchID.Hex(), status, err)
	}
	return nil
}

// FindByOutputLocation resolves the batch whose output prefix covers an
// object path reported by a notification. Prefix matching happens here
// rather than in the query: per-workspace batch counts are small and the
// canonical layout keeps prefixes unambiguous.
func (s *BatchService) FindByOutputLocation(ctx context.Context, workspaceID string, provider models.ProviderTag, objectPath string) (*models.Batch, error) {
	cursor, err := s.db.Workspace(workspaceID).Batches().Find(ctx, bson.M{
		"provider":       provider,
		"outputLocation": bson.M{"$ne": ""},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan batches for output location: %w", err)
	}
	var candidates []models.Batch
	if err := cursor.All(ctx, &candidates); err != nil {
		return nil, fmt.Errorf("failed to decode batches: %w", err)
	}
	for i := range candidates {
		if strings.HasPrefix(objectPath, candidates[i].OutputLocation) {
			return &candidates[i], nil
		}
	}
	return nil, ErrNotFound
}

// MarkProcessed closes a processing pass: one CAS update flipping
// isProcessed and recording the stats. Returns false when another run
// already processed the batch — the caller treats that as an idempotent
// no-op.
func (s *BatchService) MarkProcessed(ctx context.Context, workspaceID string, batchID primitive.ObjectID, stats models.ProcessingStats) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.Workspace(workspaceID).Batches().UpdateOne(ctx,
		bson.M{"_id": batchID, "isProcessed": false},
		bson.M{"$set": bson.M{
			"isProcessed":     true,
			"processedAt":     now,
			"processingStats": stats,
		}})
	if err != nil {
		return false, fmt.Errorf("failed to mark batch %s processed: %w", batchID.Hex(), err)
	}
	return res.ModifiedCount > 0, nil
}

// DeleteTerminalBefore removes batches that reached a terminal state before
// the cutoff. Used by retention.
func (s *BatchService) DeleteTerminalBefore(ctx context.Context, workspaceID string, cutoff time.Time) (int64, error) {
	terminal := []models.BatchStatus{
		models.BatchStatusReceived,
		models.BatchStatusFailed,
		models.BatchStatusExpired,
		models.BatchStatusCancelled,
	}
	res, err := s.db.Workspace(workspaceID).Batches().DeleteMany(ctx, bson.M{
		"status":      bson.M{"$in": terminal},
		"submittedAt": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired batches: %w", err)
	}
	return res.DeletedCount, nil
}
