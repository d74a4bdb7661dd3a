package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mentionlab/mentionlab/pkg/database"
	"github.com/mentionlab/mentionlab/pkg/jobs"
	"github.com/mentionlab/mentionlab/pkg/models"
)

// DefaultRules returns the rules installed at startup: process a batch
// once its results have been attached, and ingest provider notifications
// as they are recorded.
func DefaultRules() []models.ListenerRule {
	return []models.ListenerRule{
		{
			Collection: database.CollBatches,
			Filter: map[string]any{
				"status":      string(models.BatchStatusReceived),
				"isProcessed": false,
			},
			Operations: []models.ChangeOperation{models.ChangeOperationUpdate, models.ChangeOperationReplace},
			JobName:    jobs.ProcessBatchResults,
			Active:     true,
		},
		{
			Collection: database.CollBatchNotifications,
			Filter: map[string]any{
				"processed": false,
			},
			Operations: []models.ChangeOperation{models.ChangeOperationInsert},
			JobName:    jobs.IngestBatchNotification,
			Active:     true,
		},
	}
}

// Bootstrap installs the default listener rules, keyed on (collection,
// jobName). Rules that already exist are left exactly as they are, so
// operator edits such as filter changes or deactivation survive restarts.
func (r *Router) Bootstrap(ctx context.Context) error {
	for _, rule := range DefaultRules() {
		now := time.Now().UTC()
		res, err := r.client.Listeners().UpdateOne(ctx,
			bson.M{"collection": rule.Collection, "jobName": rule.JobName},
			bson.M{"$setOnInsert": bson.M{
				"filter":     rule.Filter,
				"operations": rule.Operations,
				"active":     rule.Active,
				"createdAt":  now,
				"updatedAt":  now,
			}},
			options.Update().SetUpsert(true),
		)
		if err != nil {
			return fmt.Errorf("failed to install listener rule for %s: %w", rule.Collection, err)
		}
		if res.UpsertedCount > 0 {
			slog.Info("Installed listener rule", "collection", rule.Collection, "job", rule.JobName)
		}
	}
	return nil
}

func (r *Router) listActiveRules(ctx context.Context) ([]models.ListenerRule, error) {
	cursor, err := r.client.Listeners().Find(ctx, bson.M{"active": true})
	if err != nil {
		return nil, err
	}
	var rules []models.ListenerRule
	if err := cursor.All(ctx, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// claimRule takes or keeps ownership of a rule. A rule is claimable when it
// carries no lock, the lock is already ours, or the owner's heartbeat has
// gone stale. The conditional update makes racing instances safe: exactly
// one matches.
func (r *Router) claimRule(ctx context.Context, rule *models.ListenerRule) (bool, error) {
	now := time.Now().UTC()
	res, err := r.client.Listeners().UpdateOne(ctx,
		bson.M{
			"_id":    rule.ID,
			"active": true,
			"$or": bson.A{
				bson.M{"lock": nil},
				bson.M{"lock.instanceId": r.instanceID},
				bson.M{"lock.heartbeatAt": bson.M{"$lt": now.Add(-r.config.StaleAfter())}},
			},
		},
		bson.M{"$set": bson.M{"lock": models.RuleLock{InstanceID: r.instanceID, HeartbeatAt: now}}},
	)
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

// heartbeatLocks refreshes every lock this instance holds. Rules stolen in
// the meantime simply no longer match and fall out of the owned set on the
// next reconcile.
func (r *Router) heartbeatLocks(ctx context.Context) error {
	_, err := r.client.Listeners().UpdateMany(ctx,
		bson.M{"lock.instanceId": r.instanceID},
		bson.M{"$set": bson.M{"lock.heartbeatAt": time.Now().UTC()}},
	)
	return err
}

// releaseLocks hands this instance's rules back on shutdown.
func (r *Router) releaseLocks() {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	res, err := r.client.Listeners().UpdateMany(ctx,
		bson.M{"lock.instanceId": r.instanceID},
		bson.M{"$set": bson.M{"lock": nil}},
	)
	if err != nil {
		slog.Warn("Failed to release rule locks", "instance_id", r.instanceID, "error", err)
		return
	}
	if res.ModifiedCount > 0 {
		slog.Info("Released rule locks", "instance_id", r.instanceID, "count", res.ModifiedCount)
	}
}
