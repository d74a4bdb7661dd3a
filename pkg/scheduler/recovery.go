package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/mentionlab/mentionlab/pkg/database"
)

// ReleaseStartupLocks frees every lock this pod still holds from a previous
// run. Called once during startup, before the worker pool begins polling,
// so a restarted pod's jobs become claimable immediately instead of waiting
// out the lock lifetime.
func ReleaseStartupLocks(ctx context.Context, client *database.Client, podID string) error {
	res, err := client.Jobs().UpdateMany(ctx,
		bson.M{"lockedBy": podID, "lockedAt": bson.M{"$ne": nil}},
		bson.M{
			"$set":   bson.M{"lockedAt": nil},
			"$unset": bson.M{"lockToken": "", "lockedBy": ""},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to release startup locks: %w", err)
	}

	if res.ModifiedCount > 0 {
		slog.Warn("Released stale job locks from previous run",
			"pod_id", podID,
			"count", res.ModifiedCount)
	}
	return nil
}
