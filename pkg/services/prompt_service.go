package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/mentionlab/mentionlab/pkg/database"
	"github.com/mentionlab/mentionlab/pkg/entitlement"
	"github.com/mentionlab/mentionlab/pkg/models"
)

// PromptService manages the prompts a workspace submits on every scheduled
// run. Creation is entitlement-gated; scheduled submission only ever reads
// active prompts.
type PromptService struct {
	db     *database.Client
	engine *entitlement.Engine
}

// NewPromptService creates a new PromptService.
func NewPromptService(db *database.Client, engine *entitlement.Engine) *PromptService {
	if db == nil {
		panic("NewPromptService: db must not be nil")
	}
	if engine == nil {
		panic("NewPromptService: engine must not be nil")
	}
	return &PromptService{db: db, engine: engine}
}

// Create validates the phrase against the plan's character limit, consumes
// one unit of prompt quota, and inserts the document. The quota increment
// comes first: two racing creates cannot both pass a last-slot check.
func (s *PromptService) Create(ctx context.Context, workspaceID, phrase string, createdBy primitive.ObjectID) (*models.Prompt, error) {
	phrase = strings.TrimSpace(phrase)
	if phrase == "" {
		return nil, NewValidationError("phrase", "prompt phrase is required")
	}

	profile, err := s.engine.ProfileForWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	// Characters, not bytes: multi-byte prompts count by rune.
	if utf8.RuneCountInString(phrase) > profile.PromptCharacterLimit {
		return nil, NewValidationError("phrase",
			fmt.Sprintf("prompt exceeds the %d character limit", profile.PromptCharacterLimit))
	}

	decision, err := s.engine.IncrementUsage(ctx, models.ResourcePrompt, workspaceID)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, NewValidationError("phrase", decision.Reason)
	}

	now := time.Now().UTC()
	prompt := &models.Prompt{
		Phrase:    phrase,
		CreatedBy: createdBy,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	res, err := s.db.Workspace(workspaceID).Prompts().InsertOne(ctx, prompt)
	if err != nil {
		// Hand the consumed quota back; the prompt never materialized.
		_ = s.engine.DecrementUsage(ctx, models.ResourcePrompt, workspaceID)
		return nil, fmt.Errorf("failed to create prompt: %w", err)
	}
	prompt.ID = res.InsertedID.(primitive.ObjectID)
	return prompt, nil
}

// Get loads one prompt from a workspace database.
func (s *PromptService) Get(ctx context.Context, workspaceID string, promptID primitive.ObjectID) (*models.Prompt, error) {
	var prompt models.Prompt
	err := s.db.Workspace(workspaceID).Prompts().FindOne(ctx, bson.M{"_id": promptID}).Decode(&prompt)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load prompt %s: %w", promptID.Hex(), err)
	}
	return &prompt, nil
}

// ListActive returns the prompts included in scheduled submissions.
func (s *PromptService) ListActive(ctx context.Context, workspaceID string) ([]models.Prompt, error) {
	cursor, err := s.db.Workspace(workspaceID).Prompts().Find(ctx, bson.M{"active": true})
	if err != nil {
		return nil, fmt.Errorf("failed to list active prompts: %w", err)
	}
	var out []models.Prompt
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode prompts: %w", err)
	}
	return out, nil
}

// Deactivate retires a prompt and releases its quota unit. Deactivating an
// already-inactive prompt changes nothing.
func (s *PromptService) Deactivate(ctx context.Context, workspaceID string, promptID primitive.ObjectID) error {
	res, err := s.db.Workspace(workspaceID).Prompts().UpdateOne(ctx,
		bson.M{"_id": promptID, "active": true},
		bson.M{"$set": bson.M{"active": false, "updatedAt": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("failed to deactivate prompt %s: %w", promptID.Hex(), err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return s.engine.DecrementUsage(ctx, models.ResourcePrompt, workspaceID)
}
