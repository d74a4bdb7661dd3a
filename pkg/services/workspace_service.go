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

	"github.com/mentionlab/mentionlab/pkg/database"
	"github.com/mentionlab/mentionlab/pkg/entitlement"
	"github.com/mentionlab/mentionlab/pkg/models"
)

// WorkspaceService provisions and resolves tenants.
type WorkspaceService struct {
	db *database.Client
}

// NewWorkspaceService creates a new WorkspaceService.
func NewWorkspaceService(db *database.Client) *WorkspaceService {
	if db == nil {
		panic("NewWorkspaceService: db must not be nil")
	}
	return &WorkspaceService{db: db}
}

// Create provisions a workspace on the given plan: billing profile first,
// then the workspace document, then the tenant database indexes.
func (s *WorkspaceService) Create(ctx context.Context, name string, planID models.PlanID) (*models.Workspace, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, NewValidationError("name", "workspace name is required")
	}
	profile, ok := entitlement.NewBillingProfile(planID, time.Now())
	if !ok {
		return nil, NewValidationError("planId", fmt.Sprintf("unknown plan '%s'", planID))
	}

	profileRes, err := s.db.BillingProfiles().InsertOne(ctx, profile)
	if err != nil {
		return nil, fmt.Errorf("failed to create billing profile: %w", err)
	}

	now := time.Now().UTC()
	ws := &models.Workspace{
		Name:             name,
		BillingProfileID: profileRes.InsertedID.(primitive.ObjectID),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	wsRes, err := s.db.Workspaces().InsertOne(ctx, ws)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	ws.ID = wsRes.InsertedID.(primitive.ObjectID)

	if err := s.db.BootstrapWorkspaceIndexes(ctx, ws.ID.Hex()); err != nil {
		return nil, fmt.Errorf("failed to bootstrap workspace indexes: %w", err)
	}
	return ws, nil
}

// Get loads a workspace by hex id.
func (s *WorkspaceService) Get(ctx context.Context, workspaceID string) (*models.Workspace, error) {
	id, err := primitive.ObjectIDFromHex(workspaceID)
	if err != nil {
		return nil, NewValidationError("workspaceId", "invalid workspace id")
	}
	var ws models.Workspace
	if err := s.db.Workspaces().FindOne(ctx, bson.M{"_id": id}).Decode(&ws); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load workspace %s: %w", workspaceID, err)
	}
	return &ws, nil
}

// List returns every workspace. The router sweeper and the retention
// service iterate tenants through this.
func (s *WorkspaceService) List(ctx context.Context) ([]models.Workspace, error) {
	cursor, err := s.db.Workspaces().Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	var out []models.Workspace
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode workspaces: %w", err)
	}
	return out, nil
}

// ListByBillingProfile returns the workspaces owned by one billing profile
// (agency model: a profile can own several).
func (s *WorkspaceService) ListByBillingProfile(ctx context.Context, profileID primitive.ObjectID) ([]models.Workspace, error) {
	cursor, err := s.db.Workspaces().Find(ctx, bson.M{"billingProfileId": profileID})
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces for profile %s: %w", profileID.Hex(), err)
	}
	var out []models.Workspace
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode workspaces: %w", err)
	}
	return out, nil
}
