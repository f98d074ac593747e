package statistics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fatflowers/resumecredits/internal/models"
	"github.com/fatflowers/resumecredits/internal/platform/db/dbtest"
	"github.com/fatflowers/resumecredits/pkg/tool"
	"github.com/fatflowers/resumecredits/pkg/types"
)

func TestUsageStatisticRequest_Validate(t *testing.T) {
	ok := &UsageStatisticRequest{
		DataItems: []*UsageStatisticDataItem{{ID: StatisticTypeDailyConsumptionCount}},
		Filters:   []*types.CommonFilter{{Field: "feature", Operator: types.CommonFilterOperatorEq, Values: []any{"ai_suggestion"}}},
	}
	require.NoError(t, ok.Validate())

	assert.ErrorIs(t, (&UsageStatisticRequest{}).Validate(), ErrInvalidRequest)
	assert.ErrorIs(t, (&UsageStatisticRequest{DataItems: []*UsageStatisticDataItem{{ID: "daily_gmv"}}}).Validate(), ErrInvalidRequest)
	assert.ErrorIs(t, (&UsageStatisticRequest{
		DataItems: []*UsageStatisticDataItem{{ID: StatisticTypeTotalCreditsConsumed}},
		Filters:   []*types.CommonFilter{{Field: "1=1; --", Operator: types.CommonFilterOperatorEq, Values: []any{1}}},
	}).Validate(), ErrInvalidRequest)
}

func TestUsageStatisticRequest_FiltersFor(t *testing.T) {
	req := &UsageStatisticRequest{Filters: []*types.CommonFilter{
		{Field: "feature", Operator: types.CommonFilterOperatorEq, Values: []any{"ai_suggestion"}},
		{Field: "plan", Operator: types.CommonFilterOperatorEq, Values: []any{"pro"}},
		{Field: "user_id", Operator: types.CommonFilterOperatorEq, Values: []any{"u1"}},
	}}

	consumption := req.FiltersFor(StatisticTypeDailyCreditsByFeature)
	require.Len(t, consumption, 2)
	assert.Equal(t, "feature", consumption[0].Field)
	assert.Equal(t, "user_id", consumption[1].Field)

	subscription := req.FiltersFor(StatisticTypeActiveSubscriptionsByPlan)
	require.Len(t, subscription, 2)
	assert.Equal(t, "plan", subscription[0].Field)
}

func TestService_GetUsageStatistic(t *testing.T) {
	gdb := dbtest.NewPostgres(t)
	svc := New(gdb)
	ctx := context.Background()
	day1 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)

	for _, c := range []struct {
		user    string
		feature types.Feature
		amount  int64
		at      time.Time
	}{
		{"u1", types.FeatureResumeGeneration, 2, day1},
		{"u1", types.FeatureAISuggestion, 1, day1},
		{"u2", types.FeatureAISuggestion, 3, day2},
	} {
		require.NoError(t, gdb.Create(&models.CreditConsumption{
			ID: tool.GenerateUUIDV7(), UserID: c.user, Feature: c.feature, Amount: c.amount, Timestamp: c.at,
		}).Error)
	}
	for _, s := range []struct {
		user   string
		plan   types.PlanID
		status types.SubscriptionStatus
	}{
		{"u1", types.PlanPro, types.SubscriptionStatusActive},
		{"u2", types.PlanPro, types.SubscriptionStatusActive},
		{"u3", types.PlanBasic, types.SubscriptionStatusCanceled},
	} {
		require.NoError(t, gdb.Create(&models.Subscription{
			ID: tool.GenerateUUIDV7(), UserID: s.user, Plan: s.plan, Status: s.status, Credits: 1,
			BillingAnchor: day1, CurrentPeriodStart: day1, CurrentPeriodEnd: day1.AddDate(0, 1, 0),
		}).Error)
	}

	res, err := svc.GetUsageStatistic(ctx, &UsageStatisticRequest{DataItems: []*UsageStatisticDataItem{
		{ID: StatisticTypeDailyConsumptionCount},
		{ID: StatisticTypeDailyCreditsByFeature},
		{ID: StatisticTypeTotalCreditsConsumed},
		{ID: StatisticTypeAccumulatedCreditsDaily},
		{ID: StatisticTypeActiveSubscriptionsByPlan},
	}})
	require.NoError(t, err)

	assert.Equal(t, []UsageStatisticResponseDataItem{
		{Date: "2025-03-01", Value: 2},
		{Date: "2025-03-02", Value: 1},
	}, res.DataItems[StatisticTypeDailyConsumptionCount])
	assert.Equal(t, []UsageStatisticResponseDataItem{
		{Date: "2025-03-02", Label: "ai_suggestion", Value: 3},
		{Date: "2025-03-01", Label: "ai_suggestion", Value: 1},
		{Date: "2025-03-01", Label: "resume_generation", Value: 2},
	}, res.DataItems[StatisticTypeDailyCreditsByFeature])
	assert.Equal(t, []UsageStatisticResponseDataItem{{Value: 6}}, res.DataItems[StatisticTypeTotalCreditsConsumed])
	assert.Equal(t, []UsageStatisticResponseDataItem{
		{Date: "2025-03-02", Value: 6},
		{Date: "2025-03-01", Value: 3},
	}, res.DataItems[StatisticTypeAccumulatedCreditsDaily])
	assert.Equal(t, []UsageStatisticResponseDataItem{{Label: "pro", Value: 2}}, res.DataItems[StatisticTypeActiveSubscriptionsByPlan])

	res, err = svc.GetUsageStatistic(ctx, &UsageStatisticRequest{
		DataItems: []*UsageStatisticDataItem{{ID: StatisticTypeTotalCreditsConsumed}},
		Filters:   []*types.CommonFilter{{Field: "user_id", Operator: types.CommonFilterOperatorEq, Values: []any{"u1"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, []UsageStatisticResponseDataItem{{Value: 3}}, res.DataItems[StatisticTypeTotalCreditsConsumed])
}
