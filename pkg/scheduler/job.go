package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// Job is one claimed run handed to a handler. All mutations go through the
// scheduler and carry the claim's lock token, so a handler that lost its
// lock cannot overwrite the new owner's state.
type Job struct {
	sched    *Scheduler
	record   *JobRecord
	workerID string
}

// ID returns the job record id as a hex string.
func (j *Job) ID() string {
	return j.record.ID.Hex()
}

// Name returns the job name.
func (j *Job) Name() string {
	return j.record.Name
}

// Record returns the claimed record snapshot.
func (j *Job) Record() *JobRecord {
	return j.record
}

// Data returns the raw job payload.
func (j *Job) Data() json.RawMessage {
	return j.record.Data
}

// UnmarshalData decodes the job payload into v.
func (j *Job) UnmarshalData(v any) error {
	if len(j.record.Data) == 0 {
		return fmt.Errorf("job %s has no payload", j.record.ID.Hex())
	}
	if err := json.Unmarshal(j.record.Data, v); err != nil {
		return fmt.Errorf("failed to decode payload for job %s: %w", j.record.ID.Hex(), err)
	}
	return nil
}

// Touch refreshes the lock. Long handlers call this between units of work;
// ErrLockLost means another replica owns the job now and the handler must
// stop.
func (j *Job) Touch(ctx context.Context) error {
	return j.sched.touch(ctx, j, nil)
}

// SetProgress records a 0-100 progress marker and refreshes the lock in
// the same update.
func (j *Job) SetProgress(ctx context.Context, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return j.sched.touch(ctx, j, bson.M{"progress": pct})
}
