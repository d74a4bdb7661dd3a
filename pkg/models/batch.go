package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// RequestMeta records one request line of a submitted batch so results can
// be joined back to prompts and models without re-parsing provider output.
type RequestMeta struct {
	CustomID string `bson:"customId" json:"customId"`
	PromptID string `bson:"promptId" json:"promptId"`
	ModelID  string `bson:"modelId" json:"modelId"`
}

// BatchMetadata is embedded in a Batch at submission time.
type BatchMetadata struct {
	Requests []RequestMeta `bson:"requests" json:"requests"`
}

// BatchResult is one provider output line, normalized at ingest. Body keeps
// the provider-native response shape; extraction stays provider-specific.
type BatchResult struct {
	CustomID   string         `bson:"customId" json:"customId"`
	StatusCode int            `bson:"statusCode" json:"statusCode"`
	Body       map[string]any `bson:"body,omitempty" json:"body,omitempty"`
	Error      *string        `bson:"error,omitempty" json:"error,omitempty"`
}

// ProcessingStats summarizes one processing pass over a received batch.
type ProcessingStats struct {
	SavedResults       int `bson:"savedResults" json:"savedResults"`
	SentimentCompleted int `bson:"sentimentCompleted" json:"sentimentCompleted"`
	SentimentFailed    int `bson:"sentimentFailed" json:"sentimentFailed"`
	SkippedResults     int `bson:"skippedResults" json:"skippedResults"`
	TotalResults       int `bson:"totalResults" json:"totalResults"`
}

// Batch tracks one prompt-matrix submission to a provider for a single
// model. Exactly one batch per workspace/model pair may be in flight.
type Batch struct {
	ID              primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Provider        ProviderTag        `bson:"provider" json:"provider"`
	ProviderBatchID string             `bson:"providerBatchId" json:"providerBatchId"`
	ModelID         string             `bson:"modelId" json:"modelId"`
	Status          BatchStatus        `bson:"status" json:"status"`
	RequestCount    int                `bson:"requestCount" json:"requestCount"`
	Metadata        BatchMetadata      `bson:"metadata" json:"metadata"`

	// Results holds provider output lines once the batch is received.
	Results []BatchResult `bson:"results,omitempty" json:"results,omitempty"`
	// OutputLocation is the object-storage prefix for providers that
	// deliver results out of band (empty for inline providers).
	OutputLocation string `bson:"outputLocation,omitempty" json:"outputLocation,omitempty"`

	SubmittedAt time.Time  `bson:"submittedAt" json:"submittedAt"`
	CompletedAt *time.Time `bson:"completedAt,omitempty" json:"completedAt,omitempty"`

	IsProcessed     bool             `bson:"isProcessed" json:"isProcessed"`
	ProcessedAt     *time.Time       `bson:"processedAt,omitempty" json:"processedAt,omitempty"`
	ProcessingStats *ProcessingStats `bson:"processingStats,omitempty" json:"processingStats,omitempty"`

	FailReason string `bson:"failReason,omitempty" json:"failReason,omitempty"`
}

// RequestMetaByCustomID returns the request metadata recorded for a result
// line, or nil when the custom id is unknown to this batch.
func (b *Batch) RequestMetaByCustomID(customID string) *RequestMeta {
	for i := range b.Metadata.Requests {
		if b.Metadata.Requests[i].CustomID == customID {
			return &b.Metadata.Requests[i]
		}
	}
	return nil
}

// BatchNotification is a completion signal from an object-storage provider,
// written by the Pub/Sub listener or the webhook receiver and consumed by
// the ingestion job. OutputLocation identifies the batch it belongs to.
type BatchNotification struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Provider       ProviderTag        `bson:"provider" json:"provider"`
	OutputLocation string             `bson:"outputLocation" json:"outputLocation"`
	Processed      bool               `bson:"processed" json:"processed"`
	DiscoveredAt   time.Time          `bson:"discoveredAt" json:"discoveredAt"`
	ProcessedAt    *time.Time         `bson:"processedAt,omitempty" json:"processedAt,omitempty"`
}
