package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// RuleLock records which router instance currently owns a listener rule.
// A lock whose heartbeat is older than the staleness threshold may be
// claimed by any instance.
type RuleLock struct {
	InstanceID  string    `bson:"instanceId" json:"instanceId"`
	HeartbeatAt time.Time `bson:"heartbeatAt" json:"heartbeatAt"`
}

// ListenerRule declares interest in document changes: which collection,
// which operations, which field values, and the job to enqueue on a match.
// Rules live in the shared listeners collection and are themselves watched
// so edits take effect without a restart.
type ListenerRule struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Collection string             `bson:"collection" json:"collection"`
	// Filter holds equality conditions applied to the post-change document.
	Filter     map[string]any    `bson:"filter" json:"filter"`
	Operations []ChangeOperation `bson:"operations" json:"operations"`
	JobName    string            `bson:"jobName" json:"jobName"`
	Active     bool              `bson:"active" json:"active"`
	Metadata   map[string]any    `bson:"metadata,omitempty" json:"metadata,omitempty"`
	Lock       *RuleLock         `bson:"lock,omitempty" json:"lock,omitempty"`
	CreatedAt  time.Time         `bson:"createdAt" json:"createdAt"`
	UpdatedAt  time.Time         `bson:"updatedAt" json:"updatedAt"`
}

// ChangeEvent is the payload enqueued when a listener rule matches a
// change stream event. Document is the post-change document as the stream
// delivered it; handlers reload by id when they need a fresh view.
type ChangeEvent struct {
	WorkspaceID   string          `json:"workspaceId"`
	Collection    string          `json:"collection"`
	DocumentID    string          `json:"documentId"`
	OperationType ChangeOperation `json:"operationType"`
	Document      map[string]any  `json:"document,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}
