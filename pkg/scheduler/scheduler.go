package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mentionlab/mentionlab/pkg/config"
	"github.com/mentionlab/mentionlab/pkg/database"
)

// definition binds a job name to its handler and per-name options.
type definition struct {
	name    string
	handler HandlerFunc
	opts    Options
}

// lockLifetime resolves the effective lock lifetime for this definition.
func (d *definition) lockLifetime(cfg *config.SchedulerConfig) time.Duration {
	if d.opts.LockLifetime > 0 {
		return d.opts.LockLifetime
	}
	return cfg.DefaultLockLifetime
}

// Scheduler is the durable job store. Every claim, touch and completion is
// a single guarded update on the shared agendaJobs collection, fenced by
// the lock token written at claim time, so replicas never need to
// coordinate outside the database.
type Scheduler struct {
	client *database.Client
	config *config.SchedulerConfig
	podID  string

	mu    sync.RWMutex
	defs  map[string]*definition
	names []string // registration order; claim scans in this order
}

// New creates a scheduler bound to the shared job collection.
func New(client *database.Client, cfg *config.SchedulerConfig, podID string) *Scheduler {
	if client == nil {
		panic("scheduler.New: client must not be nil")
	}
	if cfg == nil {
		panic("scheduler.New: cfg must not be nil")
	}
	if podID == "" {
		panic("scheduler.New: podID must not be empty")
	}
	return &Scheduler{
		client: client,
		config: cfg,
		podID:  podID,
		defs:   make(map[string]*definition),
	}
}

// PodID returns the identity this scheduler claims jobs under.
func (s *Scheduler) PodID() string {
	return s.podID
}

// Define registers the handler for a job name. Definitions are expected at
// startup, before the worker pool runs; redefining a name is a programmer
// error.
func (s *Scheduler) Define(name string, handler HandlerFunc, opts Options) {
	if name == "" {
		panic("scheduler.Define: name must not be empty")
	}
	if handler == nil {
		panic("scheduler.Define: handler must not be nil for " + name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.defs[name]; exists {
		panic("scheduler.Define: duplicate definition for " + name)
	}
	s.defs[name] = &definition{name: name, handler: handler, opts: opts}
	s.names = append(s.names, name)
}

// definition returns the registered definition for a name.
func (s *Scheduler) definition(name string) (*definition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[name]
	return def, ok
}

// definedNames returns job names in registration order.
func (s *Scheduler) definedNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Enqueue persists a job record for a defined name. With opts.Unique set,
// the record is upserted on (name, unique key) and a live existing record
// wins: its schedule and payload stay untouched, which is what makes
// repeated scheduler ticks idempotent. A parked record under the same key
// (finished, or out of retries) is revived with a fresh schedule instead,
// so a per-workspace unique job can run again on the next cycle.
func (s *Scheduler) Enqueue(ctx context.Context, name string, data any, opts EnqueueOptions) (*JobRecord, error) {
	if _, ok := s.definition(name); !ok {
		return nil, fmt.Errorf("enqueue %s: %w", name, ErrNotDefined)
	}

	var payload json.RawMessage
	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		payload = v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload for %s: %w", name, err)
		}
		payload = raw
	}

	now := time.Now().UTC()
	runAt := opts.RunAt.UTC()
	if opts.RunAt.IsZero() {
		runAt = now
	}
	if opts.RepeatEvery > 0 && opts.SkipImmediate {
		runAt = runAt.Add(opts.RepeatEvery)
	}

	record := &JobRecord{
		Name:          name,
		UniqueKey:     opts.Unique,
		Data:          payload,
		RepeatEveryMS: opts.RepeatEvery.Milliseconds(),
		NextRunAt:     &runAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if opts.Unique == "" {
		res, err := s.client.Jobs().InsertOne(ctx, record)
		if err != nil {
			return nil, fmt.Errorf("failed to enqueue %s: %w", name, err)
		}
		record.ID = res.InsertedID.(primitive.ObjectID)
		return record, nil
	}

	// Upsert: everything under $setOnInsert so an existing record keeps its
	// schedule, payload and fail history.
	filter := bson.M{"name": name, "uniqueKey": opts.Unique}
	update := bson.M{"$setOnInsert": bson.M{
		"name":          record.Name,
		"uniqueKey":     record.UniqueKey,
		"data":          record.Data,
		"repeatEveryMs": record.RepeatEveryMS,
		"nextRunAt":     record.NextRunAt,
		"lockedAt":      nil,
		"createdAt":     record.CreatedAt,
		"updatedAt":     record.UpdatedAt,
	}}
	findOpts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var stored JobRecord
	if err := s.client.Jobs().FindOneAndUpdate(ctx, filter, update, findOpts).Decode(&stored); err != nil {
		return nil, fmt.Errorf("failed to enqueue unique %s/%s: %w", name, opts.Unique, err)
	}

	// Freshly inserted records always carry a schedule, so a parked result
	// here means the key matched an old finished record. Revive it: new
	// schedule, new payload, clean failure slate. The idle guard keeps a
	// concurrent claim from being clobbered.
	if stored.NextRunAt == nil && stored.LockedAt == nil {
		revive := s.client.Jobs().FindOneAndUpdate(ctx,
			bson.M{"_id": stored.ID, "nextRunAt": nil, "lockedAt": nil},
			bson.M{
				"$set": bson.M{
					"data":      record.Data,
					"nextRunAt": record.NextRunAt,
					"failCount": 0,
					"updatedAt": now,
				},
				"$unset": bson.M{"failReason": "", "failedAt": "", "progress": ""},
			},
			options.FindOneAndUpdate().SetReturnDocument(options.After))
		if err := revive.Decode(&stored); err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("failed to revive unique %s/%s: %w", name, opts.Unique, err)
		}
	}
	return &stored, nil
}

// claimNext claims the oldest due job across all defined names. The claim
// is one FindOneAndUpdate per name: due means nextRunAt <= now (a null
// nextRunAt never matches, which is how parked jobs stay parked) and the
// lock is either free or past its lifetime. Expired locks are stolen here;
// there is no separate recovery pass for crashed replicas.
func (s *Scheduler) claimNext(ctx context.Context, workerID string) (*Job, error) {
	now := time.Now().UTC()

	for _, name := range s.definedNames() {
		def, ok := s.definition(name)
		if !ok {
			continue
		}
		lifetime := def.lockLifetime(s.config)

		if def.opts.Concurrency > 0 {
			running, err := s.lockedCountForName(ctx, name, now.Add(-lifetime))
			if err != nil {
				return nil, err
			}
			if running >= int64(def.opts.Concurrency) {
				continue
			}
		}

		filter := bson.M{
			"name":      name,
			"nextRunAt": bson.M{"$lte": now},
			"$or": []bson.M{
				{"lockedAt": nil},
				{"lockedAt": bson.M{"$lte": now.Add(-lifetime)}},
			},
		}
		update := bson.M{"$set": bson.M{
			"lockedAt":  now,
			"lockToken": uuid.NewString(),
			"lockedBy":  s.podID,
			"lastRunAt": now,
			"updatedAt": now,
		}}
		claimOpts := options.FindOneAndUpdate().
			SetReturnDocument(options.After).
			SetSort(bson.D{{Key: "nextRunAt", Value: 1}})

		var record JobRecord
		err := s.client.Jobs().FindOneAndUpdate(ctx, filter, update, claimOpts).Decode(&record)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				continue
			}
			return nil, fmt.Errorf("failed to claim next %s job: %w", name, err)
		}
		return &Job{sched: s, record: &record, workerID: workerID}, nil
	}

	return nil, ErrNoJobsAvailable
}

// complete releases the claim in a single fenced update. Repeating jobs
// advance nextRunAt one interval past the run that just executed (clamped
// forward so a stalled queue does not replay a backlog); failed one-shots
// back off exponentially until MaxRetries and then park with a null
// nextRunAt.
func (s *Scheduler) complete(ctx context.Context, job *Job, runErr error) error {
	record := job.record
	now := time.Now().UTC()

	set := bson.M{
		"lockedAt":       nil,
		"lastFinishedAt": now,
		"updatedAt":      now,
	}
	unset := bson.M{
		"lockToken": "",
		"lockedBy":  "",
	}

	every := record.RepeatEvery()
	switch {
	case runErr == nil:
		set["failCount"] = 0
		unset["failReason"] = ""
		unset["failedAt"] = ""
		unset["progress"] = ""
		if every > 0 {
			set["nextRunAt"] = nextRepeat(record, every, now)
		} else {
			set["nextRunAt"] = nil
		}

	case every > 0:
		// Repeating jobs never park; the next tick is the retry.
		set["failCount"] = record.FailCount + 1
		set["failReason"] = runErr.Error()
		set["failedAt"] = now
		set["nextRunAt"] = nextRepeat(record, every, now)

	default:
		failCount := record.FailCount + 1
		set["failCount"] = failCount
		set["failReason"] = runErr.Error()
		set["failedAt"] = now
		if failCount >= s.config.MaxRetries {
			set["nextRunAt"] = nil
		} else {
			backoff := s.config.RetryBackoff << (failCount - 1)
			set["nextRunAt"] = now.Add(backoff)
		}
	}

	res, err := s.client.Jobs().UpdateOne(ctx,
		bson.M{"_id": record.ID, "lockToken": record.LockToken},
		bson.M{"$set": set, "$unset": unset},
	)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", record.ID.Hex(), err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("complete job %s: %w", record.ID.Hex(), ErrLockLost)
	}
	return nil
}

// nextRepeat computes the next due time for a repeating job: one interval
// past the run that just fired, pushed forward when the queue fell behind.
func nextRepeat(record *JobRecord, every time.Duration, now time.Time) time.Time {
	base := now
	if record.NextRunAt != nil {
		base = record.NextRunAt.UTC()
	}
	next := base.Add(every)
	if !next.After(now) {
		next = now.Add(every)
	}
	return next
}

// touch refreshes the claim so the lock survives past its lifetime. A zero
// match means the lifetime already lapsed and another replica stole the
// job: the caller must stop, its writes would race the new owner.
func (s *Scheduler) touch(ctx context.Context, job *Job, extra bson.M) error {
	now := time.Now().UTC()
	set := bson.M{"lockedAt": now, "updatedAt": now}
	for k, v := range extra {
		set[k] = v
	}

	res, err := s.client.Jobs().UpdateOne(ctx,
		bson.M{"_id": job.record.ID, "lockToken": job.record.LockToken},
		bson.M{"$set": set},
	)
	if err != nil {
		return fmt.Errorf("failed to touch job %s: %w", job.record.ID.Hex(), err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("touch job %s: %w", job.record.ID.Hex(), ErrLockLost)
	}
	return nil
}

// lockedCount counts currently locked jobs across all defined names.
func (s *Scheduler) lockedCount(ctx context.Context) (int64, error) {
	count, err := s.client.Jobs().CountDocuments(ctx, bson.M{
		"name":     bson.M{"$in": s.definedNames()},
		"lockedAt": bson.M{"$ne": nil},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count locked jobs: %w", err)
	}
	return count, nil
}

// lockedCountForName counts live locks for one name. Expired locks do not
// count against the per-name cap; the claim query is about to steal them.
func (s *Scheduler) lockedCountForName(ctx context.Context, name string, staleBefore time.Time) (int64, error) {
	count, err := s.client.Jobs().CountDocuments(ctx, bson.M{
		"name":     name,
		"lockedAt": bson.M{"$gt": staleBefore},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count locked %s jobs: %w", name, err)
	}
	return count, nil
}

// Stats returns the per-name queue breakdown for the defined job names.
func (s *Scheduler) Stats(ctx context.Context) ([]JobStats, error) {
	now := time.Now().UTC()
	names := s.definedNames()

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"name": bson.M{"$in": names}}}},
		{{Key: "$group", Value: bson.M{
			"_id": "$name",
			"due": bson.M{"$sum": bson.M{"$cond": bson.A{
				bson.M{"$and": bson.A{
					bson.M{"$ne": bson.A{"$nextRunAt", nil}},
					bson.M{"$lte": bson.A{"$nextRunAt", now}},
					bson.M{"$eq": bson.A{"$lockedAt", nil}},
				}}, 1, 0,
			}}},
			"locked": bson.M{"$sum": bson.M{"$cond": bson.A{
				bson.M{"$ne": bson.A{"$lockedAt", nil}}, 1, 0,
			}}},
			"parked": bson.M{"$sum": bson.M{"$cond": bson.A{
				bson.M{"$eq": bson.A{"$nextRunAt", nil}}, 1, 0,
			}}},
		}}},
	}

	cursor, err := s.client.Jobs().Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate job stats: %w", err)
	}
	var rows []struct {
		Name   string `bson:"_id"`
		Due    int64  `bson:"due"`
		Locked int64  `bson:"locked"`
		Parked int64  `bson:"parked"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode job stats: %w", err)
	}

	byName := make(map[string]JobStats, len(rows))
	for _, row := range rows {
		byName[row.Name] = JobStats{Name: row.Name, Due: row.Due, Locked: row.Locked, Parked: row.Parked}
	}

	// Defined names with no records yet still get a row.
	out := make([]JobStats, 0, len(names))
	for _, name := range names {
		stats, ok := byName[name]
		if !ok {
			stats = JobStats{Name: name}
		}
		out = append(out, stats)
	}
	return out, nil
}

// DeleteFinishedBefore removes parked, unlocked records whose last run
// finished before the cutoff. Retention cleanup calls this; repeating jobs
// always carry a nextRunAt and are never touched.
func (s *Scheduler) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.client.Jobs().DeleteMany(ctx, bson.M{
		"nextRunAt":      nil,
		"lockedAt":       nil,
		"lastFinishedAt": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished jobs: %w", err)
	}
	return res.DeletedCount, nil
}
