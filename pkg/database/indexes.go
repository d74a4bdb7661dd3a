package database

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// BootstrapSharedIndexes creates the indexes the shared database relies on.
// CreateMany is idempotent: existing indexes with the same spec are no-ops,
// so every replica may run this at startup.
func (c *Client) BootstrapSharedIndexes(ctx context.Context) error {
	jobs := []mongo.IndexModel{
		{
			// One job record per (name, uniqueKey). Partial rather than
			// sparse: name is always present, so a sparse compound index
			// would still collide non-unique jobs on (name, null).
			Keys: bson.D{{Key: "name", Value: 1}, {Key: "uniqueKey", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"uniqueKey": bson.M{"$exists": true}}),
		},
		{
			// Claim query: due and unlocked (or lock expired).
			Keys: bson.D{{Key: "name", Value: 1}, {Key: "nextRunAt", Value: 1}, {Key: "lockedAt", Value: 1}},
		},
	}
	if _, err := c.Jobs().Indexes().CreateMany(ctx, jobs); err != nil {
		return fmt.Errorf("failed to create %s indexes: %w", CollJobs, err)
	}

	if _, err := c.Workspaces().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "billingProfileId", Value: 1}},
	}); err != nil {
		return fmt.Errorf("failed to create %s indexes: %w", CollWorkspaces, err)
	}

	if _, err := c.BillingProfiles().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "nextJobRunDate", Value: 1}},
	}); err != nil {
		return fmt.Errorf("failed to create %s indexes: %w", CollBillingProfiles, err)
	}

	if _, err := c.Listeners().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "collection", Value: 1}, {Key: "jobName", Value: 1}},
	}); err != nil {
		return fmt.Errorf("failed to create %s indexes: %w", CollListeners, err)
	}

	return nil
}

// BootstrapWorkspaceIndexes creates the indexes for one tenant database.
// Called when a workspace is created; idempotent, so re-running it against
// an existing tenant is safe.
func (c *Client) BootstrapWorkspaceIndexes(ctx context.Context, workspaceID string) error {
	ws := c.Workspace(workspaceID)

	answers := []mongo.IndexModel{
		{
			// customId is the dedupe key for result reprocessing.
			Keys:    bson.D{{Key: "customId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "createdAt", Value: 1}}},
		{Keys: bson.D{{Key: "batchId", Value: 1}}},
	}
	if _, err := ws.AnswerRecords().Indexes().CreateMany(ctx, answers); err != nil {
		return fmt.Errorf("failed to create %s indexes: %w", CollAnswerRecords, err)
	}

	batches := []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "isProcessed", Value: 1}}},
		{Keys: bson.D{{Key: "modelId", Value: 1}, {Key: "status", Value: 1}}},
	}
	if _, err := ws.Batches().Indexes().CreateMany(ctx, batches); err != nil {
		return fmt.Errorf("failed to create %s indexes: %w", CollBatches, err)
	}

	if _, err := ws.Prompts().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "active", Value: 1}},
	}); err != nil {
		return fmt.Errorf("failed to create %s indexes: %w", CollPrompts, err)
	}

	if _, err := ws.Brands().Indexes().CreateOne(ctx, mongo.IndexModel{
		// At most one own brand per workspace.
		Keys: bson.D{{Key: "ownBrand", Value: 1}},
		Options: options.Index().SetUnique(true).
			SetPartialFilterExpression(bson.M{"ownBrand": true}),
	}); err != nil {
		return fmt.Errorf("failed to create %s indexes: %w", CollBrands, err)
	}

	if _, err := ws.JobHistories().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "createdAt", Value: 1}},
	}); err != nil {
		return fmt.Errorf("failed to create %s indexes: %w", CollJobHistories, err)
	}

	if _, err := ws.BatchNotifications().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "processed", Value: 1}, {Key: "outputLocation", Value: 1}},
	}); err != nil {
		return fmt.Errorf("failed to create %s indexes: %w", CollBatchNotifications, err)
	}

	return nil
}
