package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/mentionlab/mentionlab/pkg/config"
	"github.com/mentionlab/mentionlab/pkg/database"
	"github.com/mentionlab/mentionlab/pkg/models"
	"github.com/mentionlab/mentionlab/pkg/scheduler"
	"github.com/mentionlab/mentionlab/pkg/services"
	"github.com/mentionlab/mentionlab/test/util"
)

func newTestService(t *testing.T) (*Service, *database.Client) {
	t.Helper()
	client := util.SetupTestDatabase(t)
	svc := NewService(Deps{
		Config:        config.DefaultRetentionConfig(),
		Scheduler:     scheduler.New(client, config.DefaultSchedulerConfig(), "pod-cleanup-test"),
		Workspaces:    services.NewWorkspaceService(client),
		Billing:       services.NewBillingService(client),
		Answers:       services.NewAnswerService(client),
		Histories:     services.NewJobHistoryService(client),
		Notifications: services.NewNotificationService(client),
		Batches:       services.NewBatchService(client),
	})
	return svc, client
}

func seedAnswer(t *testing.T, client *database.Client, workspaceID string, createdAt time.Time) primitive.ObjectID {
	t.Helper()
	rec := &models.AnswerRecord{
		CustomID:   "req-" + primitive.NewObjectID().Hex(),
		PromptID:   primitive.NewObjectID(),
		PromptText: "best crm for small teams",
		ModelID:    "gpt-4o",
		ModelName:  "GPT-4o",
		Provider:   models.ProviderOpenAI,
		Response:   "Acme CRM comes up most often.",
		BatchID:    primitive.NewObjectID(),
		CreatedAt:  createdAt,
	}
	res, err := client.Workspace(workspaceID).AnswerRecords().InsertOne(context.Background(), rec)
	require.NoError(t, err)
	return res.InsertedID.(primitive.ObjectID)
}

func seedHistory(t *testing.T, client *database.Client, workspaceID string, finishedAt time.Time) primitive.ObjectID {
	t.Helper()
	h := models.NewJobHistory("poll-provider-batches", finishedAt.Add(-2*time.Second), finishedAt, nil)
	res, err := client.Workspace(workspaceID).JobHistories().InsertOne(context.Background(), h)
	require.NoError(t, err)
	return res.InsertedID.(primitive.ObjectID)
}

func seedBatch(t *testing.T, client *database.Client, workspaceID string, status models.BatchStatus, submittedAt time.Time) primitive.ObjectID {
	t.Helper()
	b := &models.Batch{
		Provider:        models.ProviderOpenAI,
		ProviderBatchID: "batch_" + primitive.NewObjectID().Hex(),
		ModelID:         "gpt-4o",
		Status:          status,
		RequestCount:    4,
		SubmittedAt:     submittedAt,
	}
	res, err := client.Workspace(workspaceID).Batches().InsertOne(context.Background(), b)
	require.NoError(t, err)
	return res.InsertedID.(primitive.ObjectID)
}

func seedNotification(t *testing.T, client *database.Client, workspaceID string, processed bool, discoveredAt time.Time) primitive.ObjectID {
	t.Helper()
	n := &models.BatchNotification{
		Provider:       models.ProviderVertex,
		OutputLocation: "gs://test-bucket/batches/" + workspaceID + "/" + primitive.NewObjectID().Hex() + "/output",
		Processed:      processed,
		DiscoveredAt:   discoveredAt,
	}
	if processed {
		at := discoveredAt.Add(time.Minute)
		n.ProcessedAt = &at
	}
	res, err := client.Workspace(workspaceID).BatchNotifications().InsertOne(context.Background(), n)
	require.NoError(t, err)
	return res.InsertedID.(primitive.ObjectID)
}

func hasDoc(t *testing.T, coll *mongo.Collection, id primitive.ObjectID) bool {
	t.Helper()
	n, err := coll.CountDocuments(context.Background(), bson.M{"_id": id})
	require.NoError(t, err)
	return n > 0
}

func TestRunOnce_EnforcesPlanRetention(t *testing.T) {
	svc, client := newTestService(t)
	ctx := context.Background()

	// Small plan retains 90 days.
	ws := util.SeedWorkspace(t, client, models.PlanSmall)
	wsID := ws.ID.Hex()
	db := client.Workspace(wsID)

	now := time.Now().UTC()
	aged := now.AddDate(0, 0, -120)
	fresh := now.AddDate(0, 0, -5)

	agedAnswer := seedAnswer(t, client, wsID, aged)
	freshAnswer := seedAnswer(t, client, wsID, fresh)
	agedHistory := seedHistory(t, client, wsID, aged)
	freshHistory := seedHistory(t, client, wsID, fresh)
	agedReceived := seedBatch(t, client, wsID, models.BatchStatusReceived, aged)
	agedFailed := seedBatch(t, client, wsID, models.BatchStatusFailed, aged)
	agedStuck := seedBatch(t, client, wsID, models.BatchStatusInProgress, aged)
	freshReceived := seedBatch(t, client, wsID, models.BatchStatusReceived, fresh)

	svc.RunOnce(ctx)

	assert.False(t, hasDoc(t, db.AnswerRecords(), agedAnswer))
	assert.True(t, hasDoc(t, db.AnswerRecords(), freshAnswer))

	assert.False(t, hasDoc(t, db.JobHistories(), agedHistory))
	assert.True(t, hasDoc(t, db.JobHistories(), freshHistory))

	assert.False(t, hasDoc(t, db.Batches(), agedReceived))
	assert.False(t, hasDoc(t, db.Batches(), agedFailed))
	assert.True(t, hasDoc(t, db.Batches(), freshReceived))
	// Still in flight at the provider, however old. Retention never
	// deletes a batch the poller may yet resolve.
	assert.True(t, hasDoc(t, db.Batches(), agedStuck))
}

func TestRunOnce_UnlimitedRetentionKeepsData(t *testing.T) {
	svc, client := newTestService(t)
	ctx := context.Background()

	ws := util.SeedWorkspace(t, client, models.PlanEnterprise)
	wsID := ws.ID.Hex()
	db := client.Workspace(wsID)

	now := time.Now().UTC()
	ancient := now.AddDate(-2, 0, 0)

	answer := seedAnswer(t, client, wsID, ancient)
	history := seedHistory(t, client, wsID, ancient)
	batch := seedBatch(t, client, wsID, models.BatchStatusReceived, ancient)
	oldProcessed := seedNotification(t, client, wsID, true, now.Add(-8*24*time.Hour))
	oldPending := seedNotification(t, client, wsID, false, now.Add(-8*24*time.Hour))

	svc.RunOnce(ctx)

	assert.True(t, hasDoc(t, db.AnswerRecords(), answer))
	assert.True(t, hasDoc(t, db.JobHistories(), history))
	assert.True(t, hasDoc(t, db.Batches(), batch))

	// Notification TTL is operational hygiene, not plan data: it applies
	// even where the plan keeps everything.
	assert.False(t, hasDoc(t, db.BatchNotifications(), oldProcessed))
	assert.True(t, hasDoc(t, db.BatchNotifications(), oldPending))
}

func TestRunOnce_ExpiresProcessedNotifications(t *testing.T) {
	svc, client := newTestService(t)
	ctx := context.Background()

	ws := util.SeedWorkspace(t, client, models.PlanSmall)
	wsID := ws.ID.Hex()
	db := client.Workspace(wsID)

	now := time.Now().UTC()
	oldProcessed := seedNotification(t, client, wsID, true, now.Add(-8*24*time.Hour))
	freshProcessed := seedNotification(t, client, wsID, true, now.Add(-time.Hour))
	oldPending := seedNotification(t, client, wsID, false, now.Add(-30*24*time.Hour))

	svc.RunOnce(ctx)

	assert.False(t, hasDoc(t, db.BatchNotifications(), oldProcessed))
	assert.True(t, hasDoc(t, db.BatchNotifications(), freshProcessed))
	// Unprocessed notifications are pipeline input, never aged out.
	assert.True(t, hasDoc(t, db.BatchNotifications(), oldPending))
}

func TestRunOnce_PrunesFinishedJobRecords(t *testing.T) {
	svc, client := newTestService(t)
	ctx := context.Background()

	now := time.Now().UTC()
	old := now.Add(-8 * 24 * time.Hour)
	recent := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	insert := func(rec *scheduler.JobRecord) primitive.ObjectID {
		res, err := client.Jobs().InsertOne(ctx, rec)
		require.NoError(t, err)
		return res.InsertedID.(primitive.ObjectID)
	}

	finishedOld := insert(&scheduler.JobRecord{
		Name:           "ingest-batch-notification",
		LastFinishedAt: &old,
		CreatedAt:      old,
		UpdatedAt:      old,
	})
	finishedFresh := insert(&scheduler.JobRecord{
		Name:           "ingest-batch-notification",
		LastFinishedAt: &recent,
		CreatedAt:      recent,
		UpdatedAt:      recent,
	})
	repeating := insert(&scheduler.JobRecord{
		Name:           "poll-provider-batches",
		RepeatEveryMS:  60_000,
		NextRunAt:      &future,
		LastFinishedAt: &old,
		CreatedAt:      old,
		UpdatedAt:      old,
	})
	due := insert(&scheduler.JobRecord{
		Name:      "submit-workspace-batches",
		NextRunAt: &now,
		CreatedAt: now,
		UpdatedAt: now,
	})

	svc.RunOnce(ctx)

	assert.False(t, hasDoc(t, client.Jobs(), finishedOld))
	assert.True(t, hasDoc(t, client.Jobs(), finishedFresh))
	assert.True(t, hasDoc(t, client.Jobs(), repeating))
	assert.True(t, hasDoc(t, client.Jobs(), due))
}

func TestService_StartRunsImmediatePass(t *testing.T) {
	svc, client := newTestService(t)

	ws := util.SeedWorkspace(t, client, models.PlanSmall)
	wsID := ws.ID.Hex()
	aged := seedAnswer(t, client, wsID, time.Now().UTC().AddDate(0, 0, -120))

	svc.Start(context.Background())
	defer svc.Stop()

	require.Eventually(t, func() bool {
		n, err := client.Workspace(wsID).AnswerRecords().CountDocuments(context.Background(), bson.M{"_id": aged})
		return err == nil && n == 0
	}, 10*time.Second, 100*time.Millisecond, "startup pass should apply retention")

	svc.Stop()
	// A second Stop (the deferred one) must not hang or panic.
}
