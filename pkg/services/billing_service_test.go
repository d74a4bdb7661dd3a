package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/mentionlab/mentionlab/pkg/models"
	"github.com/mentionlab/mentionlab/test/util"
)

func TestBillingService_ListDueProfiles(t *testing.T) {
	client := util.SetupTestDatabase(t)
	svc := NewBillingService(client)
	ctx := context.Background()
	now := time.Now().UTC()

	due := util.SeedWorkspace(t, client, models.PlanSmall)
	notDue := util.SeedWorkspace(t, client, models.PlanSmall)
	pastDue := util.SeedWorkspace(t, client, models.PlanSmall)
	graced := util.SeedWorkspace(t, client, models.PlanSmall)

	yesterday := now.AddDate(0, 0, -1)
	set := func(ws *models.Workspace, update bson.M) {
		_, err := client.BillingProfiles().UpdateOne(ctx, bson.M{"_id": ws.BillingProfileID}, bson.M{"$set": update})
		require.NoError(t, err)
	}

	set(due, bson.M{"nextJobRunDate": yesterday})
	// notDue keeps its future nextJobRunDate
	set(pastDue, bson.M{"nextJobRunDate": yesterday, "planStatus": models.PlanStatusPaymentFailed})
	set(graced, bson.M{"nextJobRunDate": yesterday, "planStatus": models.PlanStatusGrace, "graceUntil": now.Add(time.Hour)})

	profiles, err := svc.ListDueProfiles(ctx, now)
	require.NoError(t, err)

	ids := make(map[string]bool, len(profiles))
	for _, p := range profiles {
		ids[p.ID.Hex()] = true
	}
	assert.True(t, ids[due.BillingProfileID.Hex()], "active due profile should run")
	assert.True(t, ids[graced.BillingProfileID.Hex()], "grace with future deadline should run")
	assert.False(t, ids[notDue.BillingProfileID.Hex()], "future run date should not run")
	assert.False(t, ids[pastDue.BillingProfileID.Hex()], "payment_failed should not run")

	// An expired grace deadline stops runs
	set(graced, bson.M{"graceUntil": now.Add(-time.Hour)})
	profiles, err = svc.ListDueProfiles(ctx, now)
	require.NoError(t, err)
	for _, p := range profiles {
		assert.NotEqual(t, graced.BillingProfileID, p.ID)
	}
}

func TestBillingService_AdvanceNextRun(t *testing.T) {
	client := util.SetupTestDatabase(t)
	svc := NewBillingService(client)
	ctx := context.Background()
	now := time.Now().UTC()

	ws := util.SeedWorkspace(t, client, models.PlanSmall)

	yesterday := now.AddDate(0, 0, -1).Truncate(time.Second)
	_, err := client.BillingProfiles().UpdateOne(ctx,
		bson.M{"_id": ws.BillingProfileID},
		bson.M{"$set": bson.M{"nextJobRunDate": yesterday}})
	require.NoError(t, err)

	profile, err := svc.GetProfile(ctx, ws.BillingProfileID)
	require.NoError(t, err)

	advanced, err := svc.AdvanceNextRun(ctx, profile, now)
	require.NoError(t, err)
	assert.True(t, advanced)

	updated, err := svc.GetProfile(ctx, ws.BillingProfileID)
	require.NoError(t, err)
	assert.True(t, updated.NextJobRunDate.After(now))

	// A replica holding the stale snapshot loses the CAS
	advanced, err = svc.AdvanceNextRun(ctx, profile, now)
	require.NoError(t, err)
	assert.False(t, advanced)
}
