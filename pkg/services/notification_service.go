package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/mentionlab/mentionlab/pkg/database"
	"github.com/mentionlab/mentionlab/pkg/models"
)

// NotificationService records completion signals from object-storage
// providers. The Pub/Sub listener and the webhook receiver both write here;
// the change router turns unprocessed notifications into ingestion jobs.
type NotificationService struct {
	db *database.Client
}

// NewNotificationService creates a new NotificationService.
func NewNotificationService(db *database.Client) *NotificationService {
	if db == nil {
		panic("NewNotificationService: db must not be nil")
	}
	return &NotificationService{db: db}
}

// CreateIfAbsent inserts a notification unless an unprocessed one for the
// same output location already exists. A racing duplicate can still slip
// through; ingestion absorbs it via the processed flag.
func (s *NotificationService) CreateIfAbsent(ctx context.Context, workspaceID string, provider models.ProviderTag, outputLocation string) (bool, error) {
	if outputLocation == "" {
		return false, NewValidationError("outputLocation", "output location is required")
	}
	coll := s.db.Workspace(workspaceID).BatchNotifications()

	err := coll.FindOne(ctx, bson.M{
		"outputLocation": outputLocation,
		"processed":      false,
	}).Err()
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return false, fmt.Errorf("failed to check for existing notification: %w", err)
	}

	_, err = coll.InsertOne(ctx, &models.BatchNotification{
		Provider:       provider,
		OutputLocation: outputLocation,
		Processed:      false,
		DiscoveredAt:   time.Now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("failed to create batch notification: %w", err)
	}
	return true, nil
}

// Get loads one notification.
func (s *NotificationService) Get(ctx context.Context, workspaceID string, notificationID primitive.ObjectID) (*models.BatchNotification, error) {
	var n models.BatchNotification
	err := s.db.Workspace(workspaceID).BatchNotifications().FindOne(ctx, bson.M{"_id": notificationID}).Decode(&n)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load notification %s: %w", notificationID.Hex(), err)
	}
	return &n, nil
}

// MarkProcessed closes a notification after ingestion handled it.
func (s *NotificationService) MarkProcessed(ctx context.Context, workspaceID string, notificationID primitive.ObjectID) error {
	now := time.Now().UTC()
	res, err := s.db.Workspace(workspaceID).BatchNotifications().UpdateOne(ctx,
		bson.M{"_id": notificationID},
		bson.M{"$set": bson.M{"processed": true, "processedAt": now}})
	if err != nil {
		return fmt.Errorf("failed to mark notification %s processed: %w", notificationID.Hex(), err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProcessedBefore removes processed notifications past their short
// TTL. Used by retention.
func (s *NotificationService) DeleteProcessedBefore(ctx context.Context, workspaceID string, cutoff time.Time) (int64, error) {
	res, err := s.db.Workspace(workspaceID).BatchNotifications().DeleteMany(ctx, bson.M{
		"processed":    true,
		"discoveredAt": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete processed notifications: %w", err)
	}
	return res.DeletedCount, nil
}
