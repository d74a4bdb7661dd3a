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
	"github.com/mentionlab/mentionlab/pkg/entitlement"
	"github.com/mentionlab/mentionlab/pkg/models"
)

// BillingService reads and advances billing profiles for the scheduling
// tick. Plan mutation lives in the entitlement engine.
type BillingService struct {
	db *database.Client
}

// NewBillingService creates a new BillingService.
func NewBillingService(db *database.Client) *BillingService {
	if db == nil {
		panic("NewBillingService: db must not be nil")
	}
	return &BillingService{db: db}
}

// GetProfile loads a billing profile by id.
func (s *BillingService) GetProfile(ctx context.Context, profileID primitive.ObjectID) (*models.BillingProfile, error) {
	var profile models.BillingProfile
	if err := s.db.BillingProfiles().FindOne(ctx, bson.M{"_id": profileID}).Decode(&profile); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load billing profile %s: %w", profileID.Hex(), err)
	}
	return &profile, nil
}

// ListDueProfiles returns profiles whose next run date has arrived and
// whose plan status permits scheduled work: active, or grace with an
// unexpired deadline.
func (s *BillingService) ListDueProfiles(ctx context.Context, now time.Time) ([]models.BillingProfile, error) {
	filter := bson.M{
		"nextJobRunDate": bson.M{"$lte": now},
		"$or": bson.A{
			bson.M{"planStatus": models.PlanStatusActive},
			bson.M{"planStatus": models.PlanStatusGrace, "graceUntil": bson.M{"$gt": now}},
		},
	}
	cursor, err := s.db.BillingProfiles().Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list due billing profiles: %w", err)
	}
	var out []models.BillingProfile
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode billing profiles: %w", err)
	}
	return out, nil
}

// AdvanceNextRun moves a profile's next run date forward by whole cadence
// steps. The filter pins the previous value, so when several replicas tick
// the same profile only the first advance wins; the others report false and
// skip their enqueue.
func (s *BillingService) AdvanceNextRun(ctx context.Context, profile *models.BillingProfile, now time.Time) (bool, error) {
	next := entitlement.AdvanceJobRun(profile.JobFrequency, profile.NextJobRunDate, now)
	res, err := s.db.BillingProfiles().UpdateOne(ctx,
		bson.M{"_id": profile.ID, "nextJobRunDate": profile.NextJobRunDate},
		bson.M{"$set": bson.M{
			"nextJobRunDate": next,
			"updatedAt":      time.Now().UTC(),
		}})
	if err != nil {
		return false, fmt.Errorf("failed to advance next run date for profile %s: %w", profile.ID.Hex(), err)
	}
	return res.ModifiedCount > 0, nil
}
