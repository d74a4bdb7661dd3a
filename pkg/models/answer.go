package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// BrandSentiment is the per-brand verdict inside a sentiment analysis.
// Position is the 1-based order of first mention in the answer text; nil
// when the brand is not mentioned.
type BrandSentiment struct {
	BrandKeywords string    `bson:"brandKeywords" json:"brandKeywords"`
	Type          BrandType `bson:"type" json:"type"`
	Mentioned     bool      `bson:"mentioned" json:"mentioned"`
	Sentiment     Sentiment `bson:"sentiment" json:"sentiment"`
	Position      *int      `bson:"position,omitempty" json:"position,omitempty"`
}

// SentimentAnalysis is the structured verdict attached to an answer record.
// Every tracked brand appears exactly once, whether or not it was mentioned.
type SentimentAnalysis struct {
	Brands           []BrandSentiment `bson:"brands" json:"brands"`
	OverallSentiment Sentiment        `bson:"overallSentiment" json:"overallSentiment"`
	AnalyzedAt       time.Time        `bson:"analyzedAt" json:"analyzedAt"`
	AnalyzedBy       string           `bson:"analyzedBy,omitempty" json:"analyzedBy,omitempty"`
}

// AnswerRecord is one model answer extracted from a batch result line.
// CustomID is the unique key; reprocessing a batch upserts into the same
// records instead of duplicating them.
type AnswerRecord struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	CustomID       string             `bson:"customId" json:"customId"`
	PromptID       primitive.ObjectID `bson:"promptId" json:"promptId"`
	PromptText     string             `bson:"promptText" json:"promptText"`
	ModelID        string             `bson:"modelId" json:"modelId"`
	ModelName      string             `bson:"modelName" json:"modelName"`
	Provider       ProviderTag        `bson:"provider" json:"provider"`
	Response       string             `bson:"response" json:"response"`
	TotalTokens    int                `bson:"totalTokens" json:"totalTokens"`
	ResponseTimeMS int                `bson:"responseTimeMs" json:"responseTimeMs"`
	BatchID        primitive.ObjectID `bson:"batchId" json:"batchId"`
	CreatedAt      time.Time          `bson:"createdAt" json:"createdAt"`

	Sentiment *SentimentAnalysis `bson:"sentiment,omitempty" json:"sentiment,omitempty"`
}
