package batch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/mentionlab/mentionlab/pkg/jobs"
	"github.com/mentionlab/mentionlab/pkg/models"
	"github.com/mentionlab/mentionlab/pkg/provider"
	"github.com/mentionlab/mentionlab/pkg/scheduler"
	"github.com/mentionlab/mentionlab/test/util"
)

func (e *batchEnv) runIngest(t *testing.T, wsID, notifID string) *scheduler.JobRecord {
	t.Helper()
	return e.runJob(t, jobs.IngestBatchNotification, models.ChangeEvent{
		WorkspaceID:   wsID,
		Collection:    "batchnotifications",
		DocumentID:    notifID,
		OperationType: models.ChangeOperationInsert,
	}, scheduler.EnqueueOptions{})
}

func TestHandleIngest_AttachesResultsAndClosesNotification(t *testing.T) {
	env := newBatchEnv(t)
	env.registerVertex()
	ctx := context.Background()

	ws := util.SeedWorkspace(t, env.client, models.PlanSmall)
	wsID := ws.ID.Hex()

	location := "gs://mentionlab-batches/batches/" + wsID + "/gemini-1.5-pro-002"
	b := env.insertBatch(t, wsID, &models.Batch{
		Provider:        models.ProviderVertex,
		ProviderBatchID: "vertex-op-1",
		ModelID:         "gemini-1.5-pro-002",
		Status:          models.BatchStatusInProgress,
		OutputLocation:  location,
		SubmittedAt:     time.Now().UTC(),
	})
	env.vertex.fetch = provider.FetchOutput{
		Results:         []models.BatchResult{resultLine("cid-1", "Acme leads.", 11)},
		BytesDownloaded: 512,
		APICalls:        2,
	}
	// The storage object lands under the batch's output prefix.
	notif := env.seedNotification(t, wsID, models.ProviderVertex, location+"/predictions.jsonl")

	rec := env.runIngest(t, wsID, notif.ID.Hex())
	require.Zero(t, rec.FailCount, rec.FailReason)

	stored := env.loadBatch(t, wsID, b.ID)
	assert.Equal(t, models.BatchStatusReceived, stored.Status)
	require.Len(t, stored.Results, 1)
	assert.NotNil(t, stored.CompletedAt)

	n, err := env.notifications.Get(ctx, wsID, notif.ID)
	require.NoError(t, err)
	assert.True(t, n.Processed)
	assert.NotNil(t, n.ProcessedAt)

	h := env.latestHistory(t, wsID)
	assert.Equal(t, jobs.IngestBatchNotification, h.JobName)
	assert.Equal(t, models.JobRunSuccess, h.Status)
	assert.EqualValues(t, 512, h.BytesDownloaded)
	assert.Equal(t, 2, h.APICalls)
}

func TestHandleIngest_AbsorbsDuplicateNotification(t *testing.T) {
	env := newBatchEnv(t)
	env.registerVertex()
	ctx := context.Background()

	ws := util.SeedWorkspace(t, env.client, models.PlanSmall)
	wsID := ws.ID.Hex()

	location := "gs://mentionlab-batches/batches/" + wsID + "/gemini-1.5-pro-002"
	now := time.Now().UTC()
	b := env.insertBatch(t, wsID, &models.Batch{
		Provider:        models.ProviderVertex,
		ProviderBatchID: "vertex-op-1",
		ModelID:         "gemini-1.5-pro-002",
		Status:          models.BatchStatusReceived,
		OutputLocation:  location,
		Results:         []models.BatchResult{resultLine("cid-1", "Acme leads.", 11)},
		SubmittedAt:     now.Add(-time.Hour),
		CompletedAt:     &now,
	})
	notif := env.seedNotification(t, wsID, models.ProviderVertex, location+"/predictions.jsonl")

	rec := env.runIngest(t, wsID, notif.ID.Hex())
	require.Zero(t, rec.FailCount, rec.FailReason)

	// The duplicate is closed without touching the provider or the batch.
	stored := env.loadBatch(t, wsID, b.ID)
	require.Len(t, stored.Results, 1)
	assert.Zero(t, env.vertex.fetchCount())

	n, err := env.notifications.Get(ctx, wsID, notif.ID)
	require.NoError(t, err)
	assert.True(t, n.Processed)
}

func TestHandleIngest_DiscardsUnmatchedNotification(t *testing.T) {
	env := newBatchEnv(t)
	ctx := context.Background()

	ws := util.SeedWorkspace(t, env.client, models.PlanSmall)
	wsID := ws.ID.Hex()

	notif := env.seedNotification(t, wsID, models.ProviderVertex,
		"gs://mentionlab-batches/batches/"+wsID+"/unknown/output.jsonl")

	rec := env.runIngest(t, wsID, notif.ID.Hex())
	require.Zero(t, rec.FailCount, rec.FailReason)

	n, err := env.notifications.Get(ctx, wsID, notif.ID)
	require.NoError(t, err)
	assert.True(t, n.Processed, "an unmatched location never matches later, discard it")

	h := env.latestHistory(t, wsID)
	assert.Equal(t, models.JobRunSuccess, h.Status)
}

func TestHandleIngest_UnconfiguredProviderFailsForRetry(t *testing.T) {
	env := newBatchEnv(t) // vertex stays unregistered
	ctx := context.Background()

	ws := util.SeedWorkspace(t, env.client, models.PlanSmall)
	wsID := ws.ID.Hex()

	location := "gs://mentionlab-batches/batches/" + wsID + "/gemini-1.5-pro-002"
	b := env.insertBatch(t, wsID, &models.Batch{
		Provider:        models.ProviderVertex,
		ProviderBatchID: "vertex-op-1",
		ModelID:         "gemini-1.5-pro-002",
		Status:          models.BatchStatusInProgress,
		OutputLocation:  location,
		SubmittedAt:     time.Now().UTC(),
	})
	notif := env.seedNotification(t, wsID, models.ProviderVertex, location+"/predictions.jsonl")

	rec := env.runIngest(t, wsID, notif.ID.Hex())
	assert.Equal(t, 1, rec.FailCount)
	assert.Contains(t, rec.FailReason, "provider not registered")

	// Unprocessed, so restoring credentials lets the retry land it.
	n, err := env.notifications.Get(ctx, wsID, notif.ID)
	require.NoError(t, err)
	assert.False(t, n.Processed)

	stored := env.loadBatch(t, wsID, b.ID)
	assert.Equal(t, models.BatchStatusInProgress, stored.Status)

	h := env.latestHistory(t, wsID)
	assert.Equal(t, models.JobRunFailed, h.Status)
	require.NotEmpty(t, h.Errors)
	assert.Contains(t, h.Errors[0], "vertex-op-1")
}

func TestHandleIngest_DropsEventForMissingNotification(t *testing.T) {
	env := newBatchEnv(t)

	ws := util.SeedWorkspace(t, env.client, models.PlanSmall)
	wsID := ws.ID.Hex()

	rec := env.runIngest(t, wsID, primitive.NewObjectID().Hex())
	assert.Zero(t, rec.FailCount, rec.FailReason)
	assert.Empty(t, env.listHistories(t, wsID), "dropped events leave no audit entry")
}
