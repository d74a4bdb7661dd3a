package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/mentionlab/mentionlab/pkg/config"
	"github.com/mentionlab/mentionlab/pkg/database"
	"github.com/mentionlab/mentionlab/test/util"
)

func testSchedulerConfig() *config.SchedulerConfig {
	return &config.SchedulerConfig{
		WorkerCount:             2,
		MaxConcurrentJobs:       4,
		PollInterval:            20 * time.Millisecond,
		PollIntervalJitter:      10 * time.Millisecond,
		DefaultLockLifetime:     time.Minute,
		TouchInterval:           25 * time.Millisecond,
		RetryBackoff:            50 * time.Millisecond,
		MaxRetries:              3,
		GracefulShutdownTimeout: 5 * time.Second,
	}
}

func noopHandler(ctx context.Context, job *Job) error { return nil }

func newTestScheduler(t *testing.T, podID string) (*Scheduler, *database.Client) {
	t.Helper()
	client := util.SetupTestDatabase(t)
	return New(client, testSchedulerConfig(), podID), client
}

func loadRecord(t *testing.T, client *database.Client, id primitive.ObjectID) *JobRecord {
	t.Helper()
	var record JobRecord
	require.NoError(t, client.Jobs().FindOne(context.Background(), bson.M{"_id": id}).Decode(&record))
	return &record
}

func TestScheduler_EnqueueRequiresDefinition(t *testing.T) {
	s, _ := newTestScheduler(t, "pod-a")

	_, err := s.Enqueue(context.Background(), "never-defined", nil, EnqueueOptions{})
	require.ErrorIs(t, err, ErrNotDefined)
}

func TestScheduler_UniqueEnqueueKeepsExistingSchedule(t *testing.T) {
	s, _ := newTestScheduler(t, "pod-a")
	s.Define("send-report", noopHandler, Options{})
	ctx := context.Background()

	first := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
	rec1, err := s.Enqueue(ctx, "send-report", map[string]string{"ws": "w1"}, EnqueueOptions{
		RunAt:  first,
		Unique: "ws:w1",
	})
	require.NoError(t, err)

	// Second enqueue for the same key must not move the schedule.
	rec2, err := s.Enqueue(ctx, "send-report", map[string]string{"ws": "other"}, EnqueueOptions{
		RunAt:  time.Now().UTC().Add(10 * time.Hour),
		Unique: "ws:w1",
	})
	require.NoError(t, err)

	assert.Equal(t, rec1.ID, rec2.ID)
	require.NotNil(t, rec2.NextRunAt)
	assert.WithinDuration(t, first, *rec2.NextRunAt, time.Second)
	assert.JSONEq(t, `{"ws":"w1"}`, string(rec2.Data))

	// A different key is a different record.
	rec3, err := s.Enqueue(ctx, "send-report", nil, EnqueueOptions{Unique: "ws:w2"})
	require.NoError(t, err)
	assert.NotEqual(t, rec1.ID, rec3.ID)
}

func TestScheduler_UniqueEnqueueRevivesParkedRecord(t *testing.T) {
	s, _ := newTestScheduler(t, "pod-a")
	s.Define("send-report", noopHandler, Options{})
	ctx := context.Background()

	rec, err := s.Enqueue(ctx, "send-report", map[string]string{"cycle": "1"}, EnqueueOptions{Unique: "ws:w1"})
	require.NoError(t, err)

	// Run the job to completion; a finished one-shot parks.
	job, err := s.claimNext(ctx, "w0")
	require.NoError(t, err)
	require.NoError(t, s.complete(ctx, job, nil))
	assert.Nil(t, loadRecord(t, s.client, rec.ID).NextRunAt)

	// The next cycle reuses the record instead of being swallowed by it.
	revived, err := s.Enqueue(ctx, "send-report", map[string]string{"cycle": "2"}, EnqueueOptions{Unique: "ws:w1"})
	require.NoError(t, err)
	assert.Equal(t, rec.ID, revived.ID)
	require.NotNil(t, revived.NextRunAt)
	assert.JSONEq(t, `{"cycle":"2"}`, string(revived.Data))
	assert.Zero(t, revived.FailCount)
}

func TestScheduler_SkipImmediatePushesFirstRunOut(t *testing.T) {
	s, _ := newTestScheduler(t, "pod-a")
	s.Define("nightly", noopHandler, Options{})

	rec, err := s.Enqueue(context.Background(), "nightly", nil, EnqueueOptions{
		RepeatEvery:   time.Hour,
		SkipImmediate: true,
	})
	require.NoError(t, err)
	require.NotNil(t, rec.NextRunAt)
	assert.WithinDuration(t, time.Now().UTC().Add(time.Hour), *rec.NextRunAt, 5*time.Second)
}

func TestScheduler_ClaimIsExclusive(t *testing.T) {
	s, _ := newTestScheduler(t, "pod-a")
	s.Define("one-shot", noopHandler, Options{})
	ctx := context.Background()

	_, err := s.Enqueue(ctx, "one-shot", nil, EnqueueOptions{})
	require.NoError(t, err)

	job, err := s.claimNext(ctx, "w0")
	require.NoError(t, err)
	assert.Equal(t, "one-shot", job.Name())
	assert.NotEmpty(t, job.Record().LockToken)
	assert.Equal(t, "pod-a", job.Record().LockedBy)

	// The lock holds: a second claim finds nothing.
	_, err = s.claimNext(ctx, "w1")
	require.ErrorIs(t, err, ErrNoJobsAvailable)
}

func TestScheduler_ClaimStealsExpiredLock(t *testing.T) {
	s, client := newTestScheduler(t, "pod-a")
	s.Define("one-shot", noopHandler, Options{LockLifetime: time.Minute})
	ctx := context.Background()

	rec, err := s.Enqueue(ctx, "one-shot", nil, EnqueueOptions{})
	require.NoError(t, err)

	first, err := s.claimNext(ctx, "w0")
	require.NoError(t, err)

	// Age the lock past its lifetime, as if the owning pod died.
	stale := time.Now().UTC().Add(-2 * time.Minute)
	_, err = client.Jobs().UpdateOne(ctx, bson.M{"_id": rec.ID}, bson.M{"$set": bson.M{"lockedAt": stale}})
	require.NoError(t, err)

	second, err := s.claimNext(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, second.Record().ID)
	assert.NotEqual(t, first.Record().LockToken, second.Record().LockToken)

	// The original claim is fenced out now.
	err = first.Touch(ctx)
	require.ErrorIs(t, err, ErrLockLost)
	err = s.complete(ctx, first, nil)
	require.ErrorIs(t, err, ErrLockLost)

	// The new owner completes normally.
	require.NoError(t, s.complete(ctx, second, nil))
}

func TestScheduler_ParkedJobIsNeverClaimed(t *testing.T) {
	s, client := newTestScheduler(t, "pod-a")
	s.Define("one-shot", noopHandler, Options{})
	ctx := context.Background()

	rec, err := s.Enqueue(ctx, "one-shot", nil, EnqueueOptions{})
	require.NoError(t, err)
	_, err = client.Jobs().UpdateOne(ctx, bson.M{"_id": rec.ID}, bson.M{"$set": bson.M{"nextRunAt": nil}})
	require.NoError(t, err)

	_, err = s.claimNext(ctx, "w0")
	require.ErrorIs(t, err, ErrNoJobsAvailable)
}

func TestScheduler_CompleteSuccessParksOneShot(t *testing.T) {
	s, client := newTestScheduler(t, "pod-a")
	s.Define("one-shot", noopHandler, Options{})
	ctx := context.Background()

	rec, err := s.Enqueue(ctx, "one-shot", nil, EnqueueOptions{})
	require.NoError(t, err)

	job, err := s.claimNext(ctx, "w0")
	require.NoError(t, err)
	require.NoError(t, s.complete(ctx, job, nil))

	stored := loadRecord(t, client, rec.ID)
	assert.Nil(t, stored.NextRunAt)
	assert.Nil(t, stored.LockedAt)
	assert.Empty(t, stored.LockToken)
	assert.Empty(t, stored.LockedBy)
	assert.NotNil(t, stored.LastFinishedAt)
	assert.Zero(t, stored.FailCount)
}

func TestScheduler_CompleteAdvancesRepeatingJob(t *testing.T) {
	s, client := newTestScheduler(t, "pod-a")
	s.Define("tick", noopHandler, Options{})
	ctx := context.Background()

	// Due in the past: the advance must clamp forward, not replay a backlog.
	rec, err := s.Enqueue(ctx, "tick", nil, EnqueueOptions{
		RunAt:       time.Now().UTC().Add(-3 * time.Hour),
		RepeatEvery: time.Hour,
	})
	require.NoError(t, err)

	job, err := s.claimNext(ctx, "w0")
	require.NoError(t, err)
	require.NoError(t, s.complete(ctx, job, nil))

	stored := loadRecord(t, client, rec.ID)
	require.NotNil(t, stored.NextRunAt)
	assert.WithinDuration(t, time.Now().UTC().Add(time.Hour), *stored.NextRunAt, 5*time.Second)
	assert.Nil(t, stored.LockedAt)
}

func TestScheduler_RepeatingJobAdvancesOnFailureToo(t *testing.T) {
	s, client := newTestScheduler(t, "pod-a")
	s.Define("tick", noopHandler, Options{})
	ctx := context.Background()

	rec, err := s.Enqueue(ctx, "tick", nil, EnqueueOptions{RepeatEvery: time.Hour})
	require.NoError(t, err)

	job, err := s.claimNext(ctx, "w0")
	require.NoError(t, err)
	require.NoError(t, s.complete(ctx, job, errors.New("provider down")))

	stored := loadRecord(t, client, rec.ID)
	require.NotNil(t, stored.NextRunAt)
	assert.Equal(t, 1, stored.FailCount)
	assert.Equal(t, "provider down", stored.FailReason)
	assert.NotNil(t, stored.FailedAt)
}

func TestScheduler_OneShotRetriesThenParks(t *testing.T) {
	s, client := newTestScheduler(t, "pod-a")
	s.Define("one-shot", noopHandler, Options{})
	ctx := context.Background()

	rec, err := s.Enqueue(ctx, "one-shot", nil, EnqueueOptions{})
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		// Force the record due so the test does not wait out the backoff.
		past := time.Now().UTC().Add(-time.Second)
		_, err = client.Jobs().UpdateOne(ctx, bson.M{"_id": rec.ID},
			bson.M{"$set": bson.M{"nextRunAt": past, "lockedAt": nil}})
		require.NoError(t, err)

		job, err := s.claimNext(ctx, "w0")
		require.NoError(t, err)
		require.NoError(t, s.complete(ctx, job, errors.New("boom")))

		stored := loadRecord(t, client, rec.ID)
		assert.Equal(t, attempt, stored.FailCount)
		if attempt < 3 {
			require.NotNil(t, stored.NextRunAt, "attempt %d should schedule a retry", attempt)
			assert.True(t, stored.NextRunAt.After(time.Now().UTC().Add(-time.Second)))
		} else {
			assert.Nil(t, stored.NextRunAt, "final attempt should park the job")
		}
	}
}

func TestScheduler_SuccessResetsFailureState(t *testing.T) {
	s, client := newTestScheduler(t, "pod-a")
	s.Define("tick", noopHandler, Options{})
	ctx := context.Background()

	rec, err := s.Enqueue(ctx, "tick", nil, EnqueueOptions{RepeatEvery: time.Minute})
	require.NoError(t, err)

	job, err := s.claimNext(ctx, "w0")
	require.NoError(t, err)
	require.NoError(t, s.complete(ctx, job, errors.New("transient")))

	_, err = client.Jobs().UpdateOne(ctx, bson.M{"_id": rec.ID},
		bson.M{"$set": bson.M{"nextRunAt": time.Now().UTC().Add(-time.Second)}})
	require.NoError(t, err)

	job, err = s.claimNext(ctx, "w0")
	require.NoError(t, err)
	require.NoError(t, s.complete(ctx, job, nil))

	stored := loadRecord(t, client, rec.ID)
	assert.Zero(t, stored.FailCount)
	assert.Empty(t, stored.FailReason)
	assert.Nil(t, stored.FailedAt)
}

func TestScheduler_PerNameConcurrencyCap(t *testing.T) {
	s, _ := newTestScheduler(t, "pod-a")
	s.Define("capped", noopHandler, Options{Concurrency: 1})
	ctx := context.Background()

	_, err := s.Enqueue(ctx, "capped", nil, EnqueueOptions{})
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, "capped", nil, EnqueueOptions{})
	require.NoError(t, err)

	first, err := s.claimNext(ctx, "w0")
	require.NoError(t, err)

	_, err = s.claimNext(ctx, "w1")
	require.ErrorIs(t, err, ErrNoJobsAvailable)

	require.NoError(t, s.complete(ctx, first, nil))

	second, err := s.claimNext(ctx, "w1")
	require.NoError(t, err)
	assert.NotEqual(t, first.Record().ID, second.Record().ID)
}

func TestScheduler_SetProgressRefreshesLock(t *testing.T) {
	s, client := newTestScheduler(t, "pod-a")
	s.Define("long", noopHandler, Options{})
	ctx := context.Background()

	rec, err := s.Enqueue(ctx, "long", nil, EnqueueOptions{})
	require.NoError(t, err)

	job, err := s.claimNext(ctx, "w0")
	require.NoError(t, err)

	claimedAt := loadRecord(t, client, rec.ID).LockedAt
	require.NotNil(t, claimedAt)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, job.SetProgress(ctx, 40))

	stored := loadRecord(t, client, rec.ID)
	assert.Equal(t, 40, stored.Progress)
	require.NotNil(t, stored.LockedAt)
	assert.True(t, stored.LockedAt.After(*claimedAt))
}

func TestScheduler_StatsBreaksDownByName(t *testing.T) {
	s, client := newTestScheduler(t, "pod-a")
	s.Define("alpha", noopHandler, Options{})
	s.Define("beta", noopHandler, Options{})
	ctx := context.Background()

	_, err := s.Enqueue(ctx, "alpha", nil, EnqueueOptions{})
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, "alpha", nil, EnqueueOptions{RunAt: time.Now().UTC().Add(time.Hour)})
	require.NoError(t, err)
	parked, err := s.Enqueue(ctx, "alpha", nil, EnqueueOptions{})
	require.NoError(t, err)
	_, err = client.Jobs().UpdateOne(ctx, bson.M{"_id": parked.ID}, bson.M{"$set": bson.M{"nextRunAt": nil}})
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)

	byName := map[string]JobStats{}
	for _, row := range stats {
		byName[row.Name] = row
	}
	assert.Equal(t, int64(1), byName["alpha"].Due)
	assert.Equal(t, int64(1), byName["alpha"].Parked)
	assert.Zero(t, byName["beta"].Due)
}

func TestReleaseStartupLocks(t *testing.T) {
	client := util.SetupTestDatabase(t)
	cfg := testSchedulerConfig()
	ctx := context.Background()

	mine := New(client, cfg, "pod-a")
	mine.Define("one-shot", noopHandler, Options{})
	other := New(client, cfg, "pod-b")
	other.Define("one-shot", noopHandler, Options{})

	recA, err := mine.Enqueue(ctx, "one-shot", nil, EnqueueOptions{})
	require.NoError(t, err)
	recB, err := other.Enqueue(ctx, "one-shot", nil, EnqueueOptions{})
	require.NoError(t, err)

	_, err = mine.claimNext(ctx, "w0")
	require.NoError(t, err)
	_, err = other.claimNext(ctx, "w0")
	require.NoError(t, err)

	require.NoError(t, ReleaseStartupLocks(ctx, client, "pod-a"))

	// Only pod-a's lock is released; pod-b still holds its claim.
	released := 0
	for _, id := range []primitive.ObjectID{recA.ID, recB.ID} {
		if loadRecord(t, client, id).LockedAt == nil {
			released++
		}
	}
	assert.Equal(t, 1, released)
	assert.Nil(t, loadRecord(t, client, recA.ID).LockedAt)
	assert.NotNil(t, loadRecord(t, client, recB.ID).LockedAt)
}

func TestScheduler_DeleteFinishedBefore(t *testing.T) {
	s, client := newTestScheduler(t, "pod-a")
	s.Define("one-shot", noopHandler, Options{})
	ctx := context.Background()

	rec, err := s.Enqueue(ctx, "one-shot", nil, EnqueueOptions{})
	require.NoError(t, err)
	job, err := s.claimNext(ctx, "w0")
	require.NoError(t, err)
	require.NoError(t, s.complete(ctx, job, nil))

	// Too new to be swept.
	deleted, err := s.DeleteFinishedBefore(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, deleted)

	deleted, err = s.DeleteFinishedBefore(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	err = client.Jobs().FindOne(ctx, bson.M{"_id": rec.ID}).Err()
	assert.Error(t, err)
}
