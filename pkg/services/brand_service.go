package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/mentionlab/mentionlab/pkg/database"
	"github.com/mentionlab/mentionlab/pkg/entitlement"
	"github.com/mentionlab/mentionlab/pkg/models"
)

// BrandService manages the names sentiment analysis tracks in model
// answers. Creation is entitlement-gated like prompts.
type BrandService struct {
	db     *database.Client
	engine *entitlement.Engine
}

// NewBrandService creates a new BrandService.
func NewBrandService(db *database.Client, engine *entitlement.Engine) *BrandService {
	if db == nil {
		panic("NewBrandService: db must not be nil")
	}
	if engine == nil {
		panic("NewBrandService: engine must not be nil")
	}
	return &BrandService{db: db, engine: engine}
}

// Create consumes one unit of brand quota and inserts the brand. A new own
// brand demotes the previous one; the workspace never has two. A partial
// unique index on ownBrand backs the invariant against racing creates.
func (s *BrandService) Create(ctx context.Context, workspaceID, name string, ownBrand bool) (*models.Brand, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, NewValidationError("name", "brand name is required")
	}

	decision, err := s.engine.IncrementUsage(ctx, models.ResourceBrand, workspaceID)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, NewValidationError("name", decision.Reason)
	}

	now := time.Now().UTC()
	if ownBrand {
		_, err := s.db.Workspace(workspaceID).Brands().UpdateMany(ctx,
			bson.M{"ownBrand": true},
			bson.M{"$set": bson.M{"ownBrand": false, "updatedAt": now}})
		if err != nil {
			_ = s.engine.DecrementUsage(ctx, models.ResourceBrand, workspaceID)
			return nil, fmt.Errorf("failed to demote previous own brand: %w", err)
		}
	}

	brand := &models.Brand{
		Name:      name,
		OwnBrand:  ownBrand,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	res, err := s.db.Workspace(workspaceID).Brands().InsertOne(ctx, brand)
	if err != nil {
		_ = s.engine.DecrementUsage(ctx, models.ResourceBrand, workspaceID)
		if mongo.IsDuplicateKeyError(err) {
			return nil, NewValidationError("ownBrand", "workspace already has an own brand")
		}
		return nil, fmt.Errorf("failed to create brand: %w", err)
	}
	brand.ID = res.InsertedID.(primitive.ObjectID)
	return brand, nil
}

// ListActive returns the brands handed to sentiment analysis.
func (s *BrandService) ListActive(ctx context.Context, workspaceID string) ([]models.Brand, error) {
	cursor, err := s.db.Workspace(workspaceID).Brands().Find(ctx, bson.M{"active": true})
	if err != nil {
		return nil, fmt.Errorf("failed to list active brands: %w", err)
	}
	var out []models.Brand
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode brands: %w", err)
	}
	return out, nil
}

// Deactivate retires a brand and releases its quota unit.
func (s *BrandService) Deactivate(ctx context.Context, workspaceID string, brandID primitive.ObjectID) error {
	res, err := s.db.Workspace(workspaceID).Brands().UpdateOne(ctx,
		bson.M{"_id": brandID, "active": true},
		bson.M{"$set": bson.M{"active": false, "updatedAt": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("failed to deactivate brand %s: %w", brandID.Hex(), err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return s.engine.DecrementUsage(ctx, models.ResourceBrand, workspaceID)
}
