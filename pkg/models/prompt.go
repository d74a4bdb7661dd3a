package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Prompt is a question submitted to every active model on each scheduled
// run. Lives in the workspace database.
type Prompt struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Phrase    string             `bson:"phrase" json:"phrase"`
	CreatedBy primitive.ObjectID `bson:"createdBy,omitempty" json:"createdBy,omitempty"`
	Active    bool               `bson:"active" json:"active"`
	CreatedAt time.Time          `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time          `bson:"updatedAt" json:"updatedAt"`
}

// Brand is a tracked name (the workspace's own, or a competitor) that
// sentiment analysis looks for in model answers.
type Brand struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Name      string             `bson:"name" json:"name"`
	OwnBrand  bool               `bson:"ownBrand" json:"ownBrand"`
	Active    bool               `bson:"active" json:"active"`
	CreatedAt time.Time          `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time          `bson:"updatedAt" json:"updatedAt"`
}

// Type returns the brand's role in sentiment analysis.
func (b *Brand) Type() BrandType {
	if b.OwnBrand {
		return BrandTypeOwn
	}
	return BrandTypeCompetitor
}
