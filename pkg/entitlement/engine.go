package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/mentionlab/mentionlab/pkg/catalog"
	"github.com/mentionlab/mentionlab/pkg/database"
	"github.com/mentionlab/mentionlab/pkg/models"
)

var (
	// ErrWorkspaceNotFound indicates the workspace id resolves to nothing.
	ErrWorkspaceNotFound = errors.New("workspace not found")
	// ErrProfileNotFound indicates the billing profile is missing.
	ErrProfileNotFound = errors.New("billing profile not found")
	// ErrUnknownPlan indicates a plan id outside the compiled-in catalog.
	ErrUnknownPlan = errors.New("unknown plan")
	// ErrUncountedResource indicates a resource with no stored usage counter.
	ErrUncountedResource = errors.New("resource has no usage counter")
)

// Decision is the outcome of an entitlement check. A denied decision is a
// normal value, not an error: callers branch on Allowed and surface Reason.
type Decision struct {
	Allowed bool       `json:"allowed"`
	Reason  string     `json:"reason,omitempty"`
	Limit   int        `json:"limit"`
	Used    int        `json:"used"`
	ResetAt *time.Time `json:"resetAt,omitempty"`
}

// Engine answers entitlement questions against the shared billing
// collections. All counter mutations are single guarded updates so
// concurrent callers cannot drive a counter past its limit or below zero.
type Engine struct {
	db     *database.Client
	logger *slog.Logger
}

// NewEngine creates an entitlement engine.
func NewEngine(db *database.Client, logger *slog.Logger) *Engine {
	if db == nil {
		panic("NewEngine: db must not be nil")
	}
	if logger == nil {
		panic("NewEngine: logger must not be nil")
	}
	return &Engine{db: db, logger: logger.With("component", "entitlement")}
}

// ProfileForWorkspace resolves the billing profile that owns a workspace.
func (e *Engine) ProfileForWorkspace(ctx context.Context, workspaceID string) (*models.BillingProfile, error) {
	wsID, err := primitive.ObjectIDFromHex(workspaceID)
	if err != nil {
		return nil, fmt.Errorf("invalid workspace id %q: %w", workspaceID, err)
	}

	var ws models.Workspace
	if err := e.db.Workspaces().FindOne(ctx, bson.M{"_id": wsID}).Decode(&ws); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrWorkspaceNotFound
		}
		return nil, fmt.Errorf("failed to load workspace %s: %w", workspaceID, err)
	}

	var profile models.BillingProfile
	if err := e.db.BillingProfiles().FindOne(ctx, bson.M{"_id": ws.BillingProfileID}).Decode(&profile); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to load billing profile for workspace %s: %w", workspaceID, err)
	}
	return &profile, nil
}

// CanCreate reports whether one more resource of the given kind fits within
// the workspace's plan. Monthly prompt counters are lazily reset here, so a
// check after the reset boundary always sees fresh usage.
func (e *Engine) CanCreate(ctx context.Context, resource models.Resource, workspaceID string) (Decision, error) {
	profile, err := e.ProfileForWorkspace(ctx, workspaceID)
	if err != nil {
		return Decision{}, err
	}
	if err := e.MaybeResetUsage(ctx, profile); err != nil {
		return Decision{}, err
	}

	switch resource {
	case models.ResourceBrand:
		return decide(profile.BrandsUsed, profile.BrandsLimit, "Brand limit reached", nil), nil
	case models.ResourcePrompt:
		var resetAt *time.Time
		if profile.JobFrequency == models.FrequencyMonthly {
			r := profile.PromptsResetDate
			resetAt = &r
		}
		return decide(profile.PromptsUsed, profile.PromptsLimit, "Prompt limit reached", resetAt), nil
	case models.ResourceModel:
		return decide(len(profile.AllowedModels), profile.ModelsLimit, "Model limit reached", nil), nil
	default:
		return Decision{}, fmt.Errorf("unknown resource kind %q", resource)
	}
}

// CanUseModel reports whether a model is both on the workspace's allow-list
// and still active in the catalog.
func (e *Engine) CanUseModel(ctx context.Context, workspaceID, modelID string) (bool, error) {
	model, ok := catalog.ByID(modelID)
	if !ok || model.Status != catalog.ModelStatusActive {
		return false, nil
	}
	profile, err := e.ProfileForWorkspace(ctx, workspaceID)
	if err != nil {
		return false, err
	}
	for _, id := range profile.AllowedModels {
		if id == modelID {
			return true, nil
		}
	}
	return false, nil
}

// IncrementUsage bumps a usage counter by one, guarded so the counter never
// exceeds its limit even under concurrent increments. A denied decision
// means the guard did not match. Stale monthly prompt counters are reset
// first, so a profile parked at its limit past the reset boundary is not
// denied against last month's usage.
func (e *Engine) IncrementUsage(ctx context.Context, resource models.Resource, workspaceID string) (Decision, error) {
	profile, err := e.ProfileForWorkspace(ctx, workspaceID)
	if err != nil {
		return Decision{}, err
	}
	if err := e.MaybeResetUsage(ctx, profile); err != nil {
		return Decision{}, err
	}
	field, limit, err := counterFor(resource, profile)
	if err != nil {
		return Decision{}, err
	}

	filter := bson.M{"_id": profile.ID}
	if limit != models.Unlimited {
		filter[field] = bson.M{"$lt": limit}
	}
	res, err := e.db.BillingProfiles().UpdateOne(ctx, filter, bson.M{
		"$inc": bson.M{field: 1},
		"$set": bson.M{"updatedAt": time.Now().UTC()},
	})
	if err != nil {
		return Decision{}, fmt.Errorf("failed to increment %s usage: %w", resource, err)
	}
	if res.MatchedCount == 0 {
		return Decision{Allowed: false, Reason: limitReason(resource), Limit: limit, Used: limit}, nil
	}
	return Decision{Allowed: true, Limit: limit, Used: usedFor(resource, profile) + 1}, nil
}

// DecrementUsage releases one unit of a usage counter, guarded so the
// counter never drops below zero. Decrementing an already-zero counter is
// not an error.
func (e *Engine) DecrementUsage(ctx context.Context, resource models.Resource, workspaceID string) error {
	profile, err := e.ProfileForWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	field, _, err := counterFor(resource, profile)
	if err != nil {
		return err
	}

	_, err = e.db.BillingProfiles().UpdateOne(ctx,
		bson.M{"_id": profile.ID, field: bson.M{"$gt": 0}},
		bson.M{
			"$inc": bson.M{field: -1},
			"$set": bson.M{"updatedAt": time.Now().UTC()},
		})
	if err != nil {
		return fmt.Errorf("failed to decrement %s usage: %w", resource, err)
	}
	return nil
}

// ApplyPlan rewrites every plan-derived field on a billing profile. It is
// deterministic for a given wall-clock day, so replayed plan webhooks
// converge on the same document.
func (e *Engine) ApplyPlan(ctx context.Context, billingProfileID string, planID models.PlanID) error {
	plan, ok := PlanByID(planID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPlan, planID)
	}
	profileID, err := primitive.ObjectIDFromHex(billingProfileID)
	if err != nil {
		return fmt.Errorf("invalid billing profile id %q: %w", billingProfileID, err)
	}

	now := time.Now().UTC()
	res, err := e.db.BillingProfiles().UpdateOne(ctx,
		bson.M{"_id": profileID},
		bson.M{"$set": bson.M{
			"planId":               plan.ID,
			"brandsLimit":          plan.BrandsLimit,
			"promptsLimit":         plan.PromptsLimit,
			"modelsLimit":          plan.ModelsLimit,
			"allowedModels":        DefaultAllowedModels(plan.ModelsLimit),
			"promptCharacterLimit": plan.PromptCharacterLimit,
			"jobFrequency":         plan.JobFrequency,
			"dataRetentionDays":    plan.DataRetentionDays,
			"nextJobRunDate":       NextJobRun(plan.JobFrequency, now),
			"updatedAt":            now,
		}})
	if err != nil {
		return fmt.Errorf("failed to apply plan %s to profile %s: %w", planID, billingProfileID, err)
	}
	if res.MatchedCount == 0 {
		return ErrProfileNotFound
	}

	e.logger.Info("Applied plan to billing profile",
		"billing_profile_id", billingProfileID,
		"plan_id", string(planID))
	return nil
}

// MaybeResetUsage zeroes the prompt counter of a monthly-cadence profile
// whose reset boundary has passed, advancing the boundary by whole months so
// late checks do not drift the cadence. The in-memory profile is updated
// alongside the document so the caller's subsequent decision uses the fresh
// counter. The update filters on the old reset date, making concurrent
// resets collapse into one.
func (e *Engine) MaybeResetUsage(ctx context.Context, profile *models.BillingProfile) error {
	if profile.JobFrequency != models.FrequencyMonthly {
		return nil
	}
	now := time.Now().UTC()
	if profile.PromptsResetDate.After(now) {
		return nil
	}

	next := AdvanceJobRun(models.FrequencyMonthly, profile.PromptsResetDate, now)
	res, err := e.db.BillingProfiles().UpdateOne(ctx,
		bson.M{"_id": profile.ID, "promptsResetDate": profile.PromptsResetDate},
		bson.M{"$set": bson.M{
			"promptsUsed":      0,
			"promptsResetDate": next,
			"updatedAt":        now,
		}})
	if err != nil {
		return fmt.Errorf("failed to reset prompt usage for profile %s: %w", profile.ID.Hex(), err)
	}
	if res.ModifiedCount > 0 {
		e.logger.Debug("Reset monthly prompt usage",
			"billing_profile_id", profile.ID.Hex(),
			"next_reset", next)
	}
	profile.PromptsUsed = 0
	profile.PromptsResetDate = next
	return nil
}

func decide(used, limit int, reason string, resetAt *time.Time) Decision {
	if limit == models.Unlimited || used < limit {
		return Decision{Allowed: true, Limit: limit, Used: used, ResetAt: resetAt}
	}
	return Decision{Allowed: false, Reason: reason, Limit: limit, Used: used, ResetAt: resetAt}
}

func counterFor(resource models.Resource, profile *models.BillingProfile) (string, int, error) {
	switch resource {
	case models.ResourceBrand:
		return "brandsUsed", profile.BrandsLimit, nil
	case models.ResourcePrompt:
		return "promptsUsed", profile.PromptsLimit, nil
	default:
		return "", 0, fmt.Errorf("%w: %q", ErrUncountedResource, resource)
	}
}

func usedFor(resource models.Resource, profile *models.BillingProfile) int {
	if resource == models.ResourceBrand {
		return profile.BrandsUsed
	}
	return profile.PromptsUsed
}

func limitReason(resource models.Resource) string {
	if resource == models.ResourceBrand {
		return "Brand limit reached"
	}
	return "Prompt limit reached"
}
