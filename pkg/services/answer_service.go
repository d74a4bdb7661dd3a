package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mentionlab/mentionlab/pkg/database"
	"github.com/mentionlab/mentionlab/pkg/models"
)

// AnswerService persists extracted model answers. The custom id is the
// unique key: reprocessing a batch converges on the same records instead of
// duplicating them.
type AnswerService struct {
	db *database.Client
}

// NewAnswerService creates a new AnswerService.
func NewAnswerService(db *database.Client) *AnswerService {
	if db == nil {
		panic("NewAnswerService: db must not be nil")
	}
	return &AnswerService{db: db}
}

// Upsert writes an answer record keyed by custom id. CreatedAt is pinned on
// first insert; every other field takes the latest pass's value, so a
// replay that re-runs sentiment overwrites cleanly.
func (s *AnswerService) Upsert(ctx context.Context, workspaceID string, record *models.AnswerRecord) error {
	if record.CustomID == "" {
		return NewValidationError("customId", "custom id is required")
	}
	set := bson.M{
		"promptId":       record.PromptID,
		"promptText":     record.PromptText,
		"modelId":        record.ModelID,
		"modelName":      record.ModelName,
		"provider":       record.Provider,
		"response":       record.Response,
		"totalTokens":    record.TotalTokens,
		"responseTimeMs": record.ResponseTimeMS,
		"batchId":        record.BatchID,
	}
	if record.Sentiment != nil {
		set["sentiment"] = record.Sentiment
	}
	_, err := s.db.Workspace(workspaceID).AnswerRecords().UpdateOne(ctx,
		bson.M{"customId": record.CustomID},
		bson.M{
			"$set":         set,
			"$setOnInsert": bson.M{"createdAt": time.Now().UTC()},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert answer record %s: %w", record.CustomID, err)
	}
	return nil
}

// AttachSentiment adds an analysis verdict to an existing record.
func (s *AnswerService) AttachSentiment(ctx context.Context, workspaceID, customID string, sentiment *models.SentimentAnalysis) error {
	res, err := s.db.Workspace(workspaceID).AnswerRecords().UpdateOne(ctx,
		bson.M{"customId": customID},
		bson.M{"$set": bson.M{"sentiment": sentiment}})
	if err != nil {
		return fmt.Errorf("failed to attach sentiment to %s: %w", customID, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByCustomID loads one answer record.
func (s *AnswerService) GetByCustomID(ctx context.Context, workspaceID, customID string) (*models.AnswerRecord, error) {
	var record models.AnswerRecord
	err := s.db.Workspace(workspaceID).AnswerRecords().FindOne(ctx, bson.M{"customId": customID}).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load answer record %s: %w", customID, err)
	}
	return &record, nil
}

// CountByBatch returns how many answers a batch produced so far.
func (s *AnswerService) CountByBatch(ctx context.Context, workspaceID string, batchID primitive.ObjectID) (int64, error) {
	count, err := s.db.Workspace(workspaceID).AnswerRecords().CountDocuments(ctx, bson.M{"batchId": batchID})
	if err != nil {
		return 0, fmt.Errorf("failed to count answer records: %w", err)
	}
	return count, nil
}

// DeleteOlderThan removes answer records past the retention window.
func (s *AnswerService) DeleteOlderThan(ctx context.Context, workspaceID string, cutoff time.Time) (int64, error) {
	res, err := s.db.Workspace(workspaceID).AnswerRecords().DeleteMany(ctx, bson.M{
		"createdAt": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired answer records: %w", err)
	}
	return res.DeletedCount, nil
}
