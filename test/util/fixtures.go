package util

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/mentionlab/mentionlab/pkg/database"
	"github.com/mentionlab/mentionlab/pkg/entitlement"
	"github.com/mentionlab/mentionlab/pkg/models"
)

// SeedWorkspace inserts a billing profile on the given plan plus a workspace
// attached to it, bootstraps the workspace indexes, and registers cleanup of
// the workspace database.
func SeedWorkspace(t *testing.T, client *database.Client, planID models.PlanID) *models.Workspace {
	ctx := context.Background()

	profile, ok := entitlement.NewBillingProfile(planID, time.Now())
	require.True(t, ok, "unknown plan %q", planID)

	profileRes, err := client.BillingProfiles().InsertOne(ctx, profile)
	require.NoError(t, err)

	now := time.Now().UTC()
	ws := &models.Workspace{
		Name:             "workspace " + t.Name(),
		BillingProfileID: profileRes.InsertedID.(primitive.ObjectID),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	wsRes, err := client.Workspaces().InsertOne(ctx, ws)
	require.NoError(t, err)
	ws.ID = wsRes.InsertedID.(primitive.ObjectID)

	require.NoError(t, client.BootstrapWorkspaceIndexes(ctx, ws.ID.Hex()))

	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := client.Workspace(ws.ID.Hex()).Database().Drop(cleanupCtx); err != nil {
			t.Logf("Warning: failed to drop workspace database %s: %v", ws.DatabaseName(), err)
		}
	})

	return ws
}

// SeedPrompt inserts an active prompt into a workspace database.
func SeedPrompt(t *testing.T, client *database.Client, workspaceID, phrase string) *models.Prompt {
	ctx := context.Background()
	now := time.Now().UTC()
	prompt := &models.Prompt{
		Phrase:    phrase,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	res, err := client.Workspace(workspaceID).Prompts().InsertOne(ctx, prompt)
	require.NoError(t, err)
	prompt.ID = res.InsertedID.(primitive.ObjectID)
	return prompt
}

// SeedBrand inserts an active brand into a workspace database.
func SeedBrand(t *testing.T, client *database.Client, workspaceID, name string, own bool) *models.Brand {
	ctx := context.Background()
	now := time.Now().UTC()
	brand := &models.Brand{
		Name:      name,
		OwnBrand:  own,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	res, err := client.Workspace(workspaceID).Brands().InsertOne(ctx, brand)
	require.NoError(t, err)
	brand.ID = res.InsertedID.(primitive.ObjectID)
	return brand
}
