package services

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mentionlab/mentionlab/pkg/database"
	"github.com/mentionlab/mentionlab/pkg/models"
)

// JobHistoryService writes the per-run audit trail. Recording never blocks
// a job: callers log and continue when a write fails.
type JobHistoryService struct {
	db *database.Client
}

// NewJobHistoryService creates a new JobHistoryService.
func NewJobHistoryService(db *database.Client) *JobHistoryService {
	if db == nil {
		panic("NewJobHistoryService: db must not be nil")
	}
	return &JobHistoryService{db: db}
}

// Record inserts one audit entry into the workspace database.
func (s *JobHistoryService) Record(ctx context.Context, workspaceID string, history *models.JobHistory) error {
	_, err := s.db.Workspace(workspaceID).JobHistories().InsertOne(ctx, history)
	if err != nil {
		return fmt.Errorf("failed to record job history: %w", err)
	}
	return nil
}

// ListRecent returns the newest entries for a workspace, newest first.
func (s *JobHistoryService) ListRecent(ctx context.Context, workspaceID string, limit int64) ([]models.JobHistory, error) {
	cursor, err := s.db.Workspace(workspaceID).JobHistories().Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}).SetLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list job histories: %w", err)
	}
	var out []models.JobHistory
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode job histories: %w", err)
	}
	return out, nil
}

// DeleteOlderThan removes entries past the retention window.
func (s *JobHistoryService) DeleteOlderThan(ctx context.Context, workspaceID string, cutoff time.Time) (int64, error) {
	res, err := s.db.Workspace(workspaceID).JobHistories().DeleteMany(ctx, bson.M{
		"createdAt": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired job histories: %w", err)
	}
	return res.DeletedCount, nil
}
