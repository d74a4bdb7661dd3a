// Package notify records provider completion signals as BatchNotification
// documents. Vertex batch jobs write their output to object storage; the
// bucket publishes OBJECT_FINALIZE events to a Pub/Sub topic, and this
// listener turns the relevant ones into notifications for the change
// router to pick up.
package notify

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"

	"cloud.google.com/go/pubsub"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/mentionlab/mentionlab/pkg/config"
	"github.com/mentionlab/mentionlab/pkg/models"
	"github.com/mentionlab/mentionlab/pkg/services"
)

// eventObjectFinalize is the GCS event type for a finished object write.
const eventObjectFinalize = "OBJECT_FINALIZE"

// Subscription is the receiving side of a Pub/Sub subscription.
type Subscription interface {
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
}

// Listener consumes bucket events from one subscription and writes
// BatchNotification documents. Deduplication happens at the write: an
// unprocessed notification for the same output location absorbs repeats.
type Listener struct {
	subscription  string
	bucket        string
	sub           Subscription
	notifications *services.NotificationService

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a listener for the configured batch bucket.
func New(sub Subscription, notifications *services.NotificationService, cfg *config.VertexConfig) *Listener {
	if sub == nil {
		panic("notify.New: sub must not be nil")
	}
	if notifications == nil {
		panic("notify.New: notifications must not be nil")
	}
	if cfg == nil {
		panic("notify.New: cfg must not be nil")
	}
	return &Listener{
		subscription:  cfg.PubSubSubscription,
		bucket:        cfg.Bucket,
		sub:           sub,
		notifications: notifications,
	}
}

// Start begins receiving in the background. Receive manages its own
// worker goroutines; this wrapper only adds lifecycle control.
func (l *Listener) Start(ctx context.Context) {
	if !l.running.CompareAndSwap(false, true) {
		return
	}

	recvCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)
		if err := l.sub.Receive(recvCtx, l.handle); err != nil && recvCtx.Err() == nil {
			slog.Error("Notification receive loop ended", "subscription", l.subscription, "error", err)
		}
	}()

	slog.Info("Notification listener started", "subscription", l.subscription, "bucket", l.bucket)
}

// Stop cancels the receive loop and waits for in-flight handlers.
func (l *Listener) Stop() {
	if !l.running.CompareAndSwap(true, false) {
		return
	}
	l.cancel()
	<-l.done
	slog.Info("Notification listener stopped", "subscription", l.subscription)
}

func (l *Listener) handle(ctx context.Context, msg *pubsub.Message) {
	location, workspaceID, ok := l.parse(msg.Attributes)
	if !ok {
		// Not a prediction output; nothing will ever want this event.
		msg.Ack()
		return
	}

	created, err := l.notifications.CreateIfAbsent(ctx, workspaceID, models.ProviderVertex, location)
	if err != nil {
		slog.Error("Failed to record batch notification",
			"workspace_id", workspaceID, "location", location, "error", err)
		msg.Nack()
		return
	}
	if created {
		slog.Info("Batch notification recorded", "workspace_id", workspaceID, "location", location)
	} else {
		slog.Debug("Duplicate batch notification skipped", "workspace_id", workspaceID, "location", location)
	}
	msg.Ack()
}

// parse extracts the output location and workspace from a bucket event.
// Objects follow batches/<workspace>/<key>/output/<file>; input uploads
// finalize too and must not produce notifications. The workspace segment
// is validated as an object id so a stray object cannot seed a phantom
// workspace database.
func (l *Listener) parse(attrs map[string]string) (location, workspaceID string, ok bool) {
	if attrs["eventType"] != eventObjectFinalize || attrs["bucketId"] != l.bucket {
		return "", "", false
	}

	object := attrs["objectId"]
	segments := strings.Split(object, "/")
	if len(segments) < 5 || segments[0] != "batches" || segments[3] != "output" {
		return "", "", false
	}
	if _, err := primitive.ObjectIDFromHex(segments[1]); err != nil {
		return "", "", false
	}

	return "gs://" + l.bucket + "/" + object, segments[1], true
}
