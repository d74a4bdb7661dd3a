// Package entitlement maps billing plans to concrete limits and maintains
// the usage counters that gate resource creation and scheduled work.
package entitlement

import (
	"time"

	"github.com/mentionlab/mentionlab/pkg/catalog"
	"github.com/mentionlab/mentionlab/pkg/models"
)

// Plan is one row of the compiled-in plan catalog. Limits use
// models.Unlimited (-1) for "no cap".
type Plan struct {
	ID                   models.PlanID
	BrandsLimit          int
	PromptsLimit         int
	ModelsLimit          int
	PromptCharacterLimit int
	JobFrequency         models.JobFrequency
	DataRetentionDays    int
}

var plans = []Plan{
	{
		ID:                   models.PlanFree,
		BrandsLimit:          1,
		PromptsLimit:         4,
		ModelsLimit:          1,
		PromptCharacterLimit: 150,
		JobFrequency:         models.FrequencyMonthly,
		DataRetentionDays:    30,
	},
	{
		ID:                   models.PlanSmall,
		BrandsLimit:          4,
		PromptsLimit:         10,
		ModelsLimit:          3,
		PromptCharacterLimit: 150,
		JobFrequency:         models.FrequencyDaily,
		DataRetentionDays:    90,
	},
	{
		ID:                   models.PlanMedium,
		BrandsLimit:          10,
		PromptsLimit:         20,
		ModelsLimit:          12,
		PromptCharacterLimit: 150,
		JobFrequency:         models.FrequencyDaily,
		DataRetentionDays:    180,
	},
	{
		ID:                   models.PlanEnterprise,
		BrandsLimit:          models.Unlimited,
		PromptsLimit:         models.Unlimited,
		ModelsLimit:          models.Unlimited,
		PromptCharacterLimit: 150,
		JobFrequency:         models.FrequencyDaily,
		DataRetentionDays:    models.Unlimited,
	},
}

// Plans returns the full plan catalog in tier order.
func Plans() []Plan {
	out := make([]Plan, len(plans))
	copy(out, plans)
	return out
}

// PlanByID looks a plan up; ok is false for unknown ids.
func PlanByID(id models.PlanID) (Plan, bool) {
	for _, p := range plans {
		if p.ID == id {
			return p, true
		}
	}
	return Plan{}, false
}

// DefaultAllowedModels returns the model allow-list a fresh plan
// application grants: every active catalog model for unlimited plans,
// otherwise the first modelsLimit active entries in catalog order.
func DefaultAllowedModels(modelsLimit int) []string {
	ids := catalog.ActiveIDs()
	if modelsLimit == models.Unlimited || modelsLimit >= len(ids) {
		return ids
	}
	return ids[:modelsLimit]
}

// NextJobRun returns the first scheduled-run boundary strictly after t:
// the next UTC midnight for daily plans, the first instant of the next
// month for monthly plans.
func NextJobRun(freq models.JobFrequency, t time.Time) time.Time {
	t = t.UTC()
	if freq == models.FrequencyMonthly {
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// AdvanceJobRun moves a run date forward by whole cadence steps until it
// lands after now. Daily cadence adds 24h per step so the profile keeps its
// time-of-day anchor; monthly snaps to month starts. Advancing from the
// previous scheduled time (instead of from now) keeps the cadence
// drift-free when ticks are late.
func AdvanceJobRun(freq models.JobFrequency, prev, now time.Time) time.Time {
	next := prev
	for !next.After(now) {
		if freq == models.FrequencyMonthly {
			next = NextJobRun(models.FrequencyMonthly, next)
		} else {
			next = next.Add(24 * time.Hour)
		}
	}
	return next
}

// NewBillingProfile constructs a profile document with every plan-derived
// field populated, ready for insert. Counters start at zero.
func NewBillingProfile(planID models.PlanID, now time.Time) (*models.BillingProfile, bool) {
	plan, ok := PlanByID(planID)
	if !ok {
		return nil, false
	}
	now = now.UTC()
	return &models.BillingProfile{
		PlanID:               plan.ID,
		PlanStatus:           models.PlanStatusActive,
		BrandsLimit:          plan.BrandsLimit,
		PromptsLimit:         plan.PromptsLimit,
		ModelsLimit:          plan.ModelsLimit,
		AllowedModels:        DefaultAllowedModels(plan.ModelsLimit),
		PromptCharacterLimit: plan.PromptCharacterLimit,
		JobFrequency:         plan.JobFrequency,
		DataRetentionDays:    plan.DataRetentionDays,
		NextJobRunDate:       NextJobRun(plan.JobFrequency, now),
		PromptsResetDate:     NextJobRun(models.FrequencyMonthly, now),
		CreatedAt:            now,
		UpdatedAt:            now,
	}, true
}
