package notify

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/mentionlab/mentionlab/pkg/config"
	"github.com/mentionlab/mentionlab/pkg/database"
	"github.com/mentionlab/mentionlab/pkg/models"
	"github.com/mentionlab/mentionlab/pkg/services"
	"github.com/mentionlab/mentionlab/test/util"
)

// fakeSubscription hands queued messages to the receive callback, like the
// real subscription does from its stream.
type fakeSubscription struct {
	msgs chan *pubsub.Message
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{msgs: make(chan *pubsub.Message, 16)}
}

func (f *fakeSubscription) Receive(ctx context.Context, h func(context.Context, *pubsub.Message)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-f.msgs:
			h(ctx, msg)
		}
	}
}

func (f *fakeSubscription) publish(attrs map[string]string) {
	f.msgs <- &pubsub.Message{Attributes: attrs}
}

func finalizeAttrs(bucket, object string) map[string]string {
	return map[string]string{
		"eventType": eventObjectFinalize,
		"bucketId":  bucket,
		"objectId":  object,
	}
}

type listenerEnv struct {
	client *database.Client
	sub    *fakeSubscription
	wsID   string
}

func newListenerEnv(t *testing.T) *listenerEnv {
	client := util.SetupTestDatabase(t)
	ws := util.SeedWorkspace(t, client, models.PlanSmall)

	sub := newFakeSubscription()
	cfg := &config.VertexConfig{
		ProjectID:          "test-project",
		Region:             "us-central1",
		Bucket:             "test-bucket",
		PubSubSubscription: "batch-events-sub",
	}
	listener := New(sub, services.NewNotificationService(client), cfg)
	listener.Start(context.Background())
	t.Cleanup(listener.Stop)

	return &listenerEnv{client: client, sub: sub, wsID: ws.ID.Hex()}
}

func (e *listenerEnv) notifications(t *testing.T) []models.BatchNotification {
	t.Helper()
	cursor, err := e.client.Workspace(e.wsID).BatchNotifications().Find(context.Background(), bson.M{})
	require.NoError(t, err)
	var out []models.BatchNotification
	require.NoError(t, cursor.All(context.Background(), &out))
	return out
}

func (e *listenerEnv) count() int64 {
	n, err := e.client.Workspace(e.wsID).BatchNotifications().CountDocuments(context.Background(), bson.M{})
	if err != nil {
		return -1
	}
	return n
}

func TestListener_RecordsFinalizedOutput(t *testing.T) {
	env := newListenerEnv(t)
	object := "batches/" + env.wsID + "/k20240901/output/predictions.jsonl"

	env.sub.publish(finalizeAttrs("test-bucket", object))

	require.Eventually(t, func() bool {
		return env.count() == 1
	}, 10*time.Second, 25*time.Millisecond, "notification was not recorded")

	notifs := env.notifications(t)
	require.Len(t, notifs, 1)
	assert.Equal(t, models.ProviderVertex, notifs[0].Provider)
	assert.Equal(t, "gs://test-bucket/"+object, notifs[0].OutputLocation)
	assert.False(t, notifs[0].Processed)
	assert.False(t, notifs[0].DiscoveredAt.IsZero())

	// Bucket events redeliver; the same object must not pile up.
	env.sub.publish(finalizeAttrs("test-bucket", object))
	env.sub.publish(finalizeAttrs("test-bucket", object))
	time.Sleep(300 * time.Millisecond)
	assert.EqualValues(t, 1, env.count())
}

func TestListener_IgnoresUnrelatedEvents(t *testing.T) {
	env := newListenerEnv(t)

	outputObject := func(ws string) string {
		return "batches/" + ws + "/k20240901/output/predictions.jsonl"
	}

	// Deletes, foreign buckets, our own input uploads, objects outside the
	// batch prefix, and garbage workspace segments.
	env.sub.publish(map[string]string{
		"eventType": "OBJECT_DELETE",
		"bucketId":  "test-bucket",
		"objectId":  outputObject(env.wsID),
	})
	env.sub.publish(finalizeAttrs("another-bucket", outputObject(env.wsID)))
	env.sub.publish(finalizeAttrs("test-bucket", "batches/"+env.wsID+"/k20240901/input.jsonl"))
	env.sub.publish(finalizeAttrs("test-bucket", "tmp/"+env.wsID+"/output/predictions.jsonl"))
	env.sub.publish(finalizeAttrs("test-bucket", outputObject("not-a-workspace-id")))

	// A valid event after the junk proves the listener handled them all.
	env.sub.publish(finalizeAttrs("test-bucket", outputObject(env.wsID)))

	require.Eventually(t, func() bool {
		return env.count() == 1
	}, 10*time.Second, 25*time.Millisecond)

	notifs := env.notifications(t)
	require.Len(t, notifs, 1)
	assert.Equal(t, "gs://test-bucket/"+outputObject(env.wsID), notifs[0].OutputLocation)
}

func TestListener_StartAndStopAreIdempotent(t *testing.T) {
	client := util.SetupTestDatabase(t)
	sub := newFakeSubscription()
	cfg := &config.VertexConfig{Bucket: "test-bucket", PubSubSubscription: "batch-events-sub"}

	listener := New(sub, services.NewNotificationService(client), cfg)
	listener.Start(context.Background())
	listener.Start(context.Background())

	done := make(chan struct{})
	go func() {
		listener.Stop()
		listener.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}
