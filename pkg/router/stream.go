package router

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mentionlab/mentionlab/pkg/models"
	"github.com/mentionlab/mentionlab/pkg/scheduler"
)

// streamKey identifies one open change stream: a rule applied to one
// workspace. Keyed on the job name rather than the rule id so a rule
// recreated under a new id does not double-watch the same collection.
type streamKey struct {
	workspaceID string
	collection  string
	jobName     string
}

// ruleStream is the registry entry for a running stream goroutine.
// ruleStamp is the rule's UpdatedAt at open time; when the stored rule is
// newer the sweep closes and reopens the stream with the fresh filter.
type ruleStream struct {
	cancel    context.CancelFunc
	done      chan struct{}
	ruleStamp time.Time
}

// changeDocument is the slice of a change stream event the router needs.
// FullDocument is populated by updateLookup and travels in the job payload;
// handlers still reload by id when they need a fresh view.
type changeDocument struct {
	OperationType models.ChangeOperation `bson:"operationType"`
	FullDocument  bson.M                 `bson:"fullDocument"`
	DocumentKey   struct {
		ID primitive.ObjectID `bson:"_id"`
	} `bson:"documentKey"`
}

// emptyPipeline matches every event.
func emptyPipeline() mongo.Pipeline {
	return mongo.Pipeline{}
}

// watchPipeline builds the $match stage for a rule: the requested
// operations plus equality conditions against the post-change document.
// Keys are sorted so the pipeline shape is deterministic.
func watchPipeline(rule *models.ListenerRule) mongo.Pipeline {
	match := bson.D{{Key: "operationType", Value: bson.M{"$in": rule.Operations}}}

	keys := make([]string, 0, len(rule.Filter))
	for k := range rule.Filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		match = append(match, bson.E{Key: "fullDocument." + k, Value: rule.Filter[k]})
	}

	return mongo.Pipeline{bson.D{{Key: "$match", Value: match}}}
}

// openStream registers a stream for key and starts its goroutine. A stream
// already registered under the key wins; the sweep that wanted this one
// will reconcile again.
func (r *Router) openStream(ctx context.Context, key streamKey, rule models.ListenerRule) {
	streamCtx, cancel := context.WithCancel(ctx)
	s := &ruleStream{
		cancel:    cancel,
		done:      make(chan struct{}),
		ruleStamp: rule.UpdatedAt,
	}

	r.mu.Lock()
	if _, exists := r.streams[key]; exists {
		r.mu.Unlock()
		cancel()
		return
	}
	r.streams[key] = s
	r.mu.Unlock()

	go r.runStream(streamCtx, key, rule, s)
}

// forget drops the registry entry, but only while it still points at this
// stream; a replacement may already have been registered under the key.
func (r *Router) forget(key streamKey, s *ruleStream) {
	r.mu.Lock()
	if cur, ok := r.streams[key]; ok && cur == s {
		delete(r.streams, key)
	}
	r.mu.Unlock()
}

// runStream watches one workspace collection and enqueues the rule's job
// for every matching event. On any stream error it deregisters itself and
// returns; the next sweep opens a replacement. updateLookup is required:
// update events otherwise carry only the changed fields, which the filter
// conditions need to see through.
func (r *Router) runStream(ctx context.Context, key streamKey, rule models.ListenerRule, s *ruleStream) {
	defer close(s.done)
	defer r.forget(key, s)

	coll := r.client.Workspace(key.workspaceID).Database().Collection(key.collection)
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)

	stream, err := coll.Watch(ctx, watchPipeline(&rule), opts)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("Failed to open change stream",
				"workspace_id", key.workspaceID, "collection", key.collection, "error", err)
		}
		return
	}
	defer stream.Close(context.Background())

	slog.Debug("Change stream opened",
		"workspace_id", key.workspaceID, "collection", key.collection, "job", key.jobName)

	for stream.Next(ctx) {
		var change changeDocument
		if err := stream.Decode(&change); err != nil {
			slog.Warn("Failed to decode change event",
				"workspace_id", key.workspaceID, "collection", key.collection, "error", err)
			continue
		}
		r.dispatch(ctx, key, &rule, &change)
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		slog.Warn("Change stream ended",
			"workspace_id", key.workspaceID, "collection", key.collection, "error", err)
	}
}

// dispatch enqueues the rule's job with the change event as payload.
// Handlers tolerate duplicates and reload the document by id, so a replayed
// or raced event is harmless.
func (r *Router) dispatch(ctx context.Context, key streamKey, rule *models.ListenerRule, change *changeDocument) {
	event := models.ChangeEvent{
		WorkspaceID:   key.workspaceID,
		Collection:    key.collection,
		DocumentID:    change.DocumentKey.ID.Hex(),
		OperationType: change.OperationType,
		Document:      change.FullDocument,
		Metadata:      rule.Metadata,
	}

	if _, err := r.sched.Enqueue(ctx, rule.JobName, event, scheduler.EnqueueOptions{}); err != nil {
		if ctx.Err() == nil {
			slog.Error("Failed to enqueue job for change event",
				"job", rule.JobName, "workspace_id", key.workspaceID,
				"document_id", event.DocumentID, "error", err)
		}
		return
	}

	slog.Info("Change event routed",
		"job", rule.JobName, "workspace_id", key.workspaceID, "collection", key.collection,
		"operation", change.OperationType, "document_id", event.DocumentID)
}
