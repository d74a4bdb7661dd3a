package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Unlimited marks a plan limit or retention window with no cap.
const Unlimited = -1

// Workspace is a tenant. All of its operational data lives in a dedicated
// logical database named workspace_<hex id>.
type Workspace struct {
	ID               primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Name             string             `bson:"name" json:"name"`
	BillingProfileID primitive.ObjectID `bson:"billingProfileId" json:"billingProfileId"`
	CreatedAt        time.Time          `bson:"createdAt" json:"createdAt"`
	UpdatedAt        time.Time          `bson:"updatedAt" json:"updatedAt"`
}

// DatabaseName returns the workspace's logical database name.
func (w *Workspace) DatabaseName() string {
	return "workspace_" + w.ID.Hex()
}

// BillingProfile carries a workspace group's plan, its derived limits and
// the rolling usage counters the entitlement engine maintains.
//
// Limits use Unlimited (-1) for "no cap"; counters never exceed their limit
// and never go below zero.
type BillingProfile struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	PlanID     PlanID             `bson:"planId" json:"planId"`
	PlanStatus PlanStatus         `bson:"planStatus" json:"planStatus"`
	GraceUntil *time.Time         `bson:"graceUntil,omitempty" json:"graceUntil,omitempty"`

	BrandsLimit          int           `bson:"brandsLimit" json:"brandsLimit"`
	PromptsLimit         int           `bson:"promptsLimit" json:"promptsLimit"`
	ModelsLimit          int           `bson:"modelsLimit" json:"modelsLimit"`
	AllowedModels        []string      `bson:"allowedModels" json:"allowedModels"`
	PromptCharacterLimit int           `bson:"promptCharacterLimit" json:"promptCharacterLimit"`
	JobFrequency         JobFrequency  `bson:"jobFrequency" json:"jobFrequency"`
	DataRetentionDays    int           `bson:"dataRetentionDays" json:"dataRetentionDays"`

	NextJobRunDate   time.Time `bson:"nextJobRunDate" json:"nextJobRunDate"`
	BrandsUsed       int       `bson:"brandsUsed" json:"brandsUsed"`
	PromptsUsed      int       `bson:"promptsUsed" json:"promptsUsed"`
	PromptsResetDate time.Time `bson:"promptsResetDate" json:"promptsResetDate"`

	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
}

// Runnable reports whether scheduled submissions should run for this
// profile at the given instant.
func (p *BillingProfile) Runnable(now time.Time) bool {
	switch p.PlanStatus {
	case PlanStatusActive:
		return true
	case PlanStatusGrace:
		return p.GraceUntil != nil && now.Before(*p.GraceUntil)
	default:
		return false
	}
}

// BillingProfileMember links a user to a billing profile (agency model:
// one profile, many workspaces, many collaborators).
type BillingProfileMember struct {
	ID               primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	BillingProfileID primitive.ObjectID `bson:"billingProfileId" json:"billingProfileId"`
	UserID           primitive.ObjectID `bson:"userId" json:"userId"`
	Role             string             `bson:"role" json:"role"`
	CreatedAt        time.Time          `bson:"createdAt" json:"createdAt"`
}

// User is a minimal account record; authentication and the user-facing
// surface live outside this service.
type User struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Email     string             `bson:"email" json:"email"`
	Name      string             `bson:"name" json:"name"`
	CreatedAt time.Time          `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time          `bson:"updatedAt" json:"updatedAt"`
}
