package ledger

import (
	"time"

	"github.com/fatflowers/resumecredits/internal/models"
	"github.com/fatflowers/resumecredits/pkg/types"
)

// Balance is the read view of a subscription.
type Balance struct {
	UserID      string                   `json:"userId"`
	Plan        types.PlanID             `json:"plan"`
	Status      types.SubscriptionStatus `json:"status"`
	Credits     int64                    `json:"credits"`
	Allotment   int64                    `json:"allotment"`
	PeriodStart time.Time                `json:"periodStart"`
	PeriodEnd   time.Time                `json:"periodEnd"`
}

func balanceOf(sub *models.Subscription) *Balance {
	return &Balance{
		UserID:      sub.UserID,
		Plan:        sub.Plan,
		Status:      sub.Status,
		Credits:     sub.Credits,
		Allotment:   sub.Allotment(),
		PeriodStart: sub.CurrentPeriodStart,
		PeriodEnd:   sub.CurrentPeriodEnd,
	}
}

type ConsumeRequest struct {
	UserID      string
	Feature     types.Feature
	Amount      int64
	Description *string
	TraceID     string
}

type ConsumeResult struct {
	Success          bool   `json:"success"`
	RemainingCredits int64  `json:"remainingCredits"`
	EventID          string `json:"eventId"`
}

type CreateSubscriptionRequest struct {
	UserID                 string
	Plan                   types.PlanID
	ProviderSubscriptionID string
	ProviderCustomerID     string
	// Period comes from the payment provider when known; otherwise the
	// period is [now, now+1 month).
	Period *types.BillingPeriod
}

// ProviderUpdate is the provider's view of a subscription after a change.
// Zero values mean "not reported".
type ProviderUpdate struct {
	ProviderSubscriptionID string
	Status                 types.SubscriptionStatus
	Plan                   types.PlanID
	Period                 *types.BillingPeriod
}

type ListConsumptionsRequest struct {
	Filters []*types.CommonFilter `json:"filters"`
	From    int                   `json:"from"`
	Size    int                   `json:"size"`
	// SortBy is "timestamp" or "amount"; SortDesc defaults to false.
	SortBy   string `json:"sort_by"`
	SortDesc bool   `json:"sort_desc"`
}

type ListConsumptionsResult struct {
	Items []*models.CreditConsumption `json:"items"`
	Total int64                       `json:"total"`
}

// ConsumptionFilterFields are the columns ListConsumptions may filter on.
var ConsumptionFilterFields = []string{"user_id", "feature", "amount", "timestamp", "trace_id"}

// ConsumedEvent is published after a debit commits.
type ConsumedEvent struct {
	EventID          string        `json:"eventId"`
	UserID           string        `json:"userId"`
	Feature          types.Feature `json:"feature"`
	Amount           int64         `json:"amount"`
	RemainingCredits int64         `json:"remainingCredits"`
	TraceID          string        `json:"traceId,omitempty"`
	Timestamp        time.Time     `json:"timestamp"`
}

// RefreshedEvent is published after a period reset commits.
type RefreshedEvent struct {
	UserID      string       `json:"userId"`
	Plan        types.PlanID `json:"plan"`
	Credits     int64        `json:"credits"`
	PeriodStart time.Time    `json:"periodStart"`
	PeriodEnd   time.Time    `json:"periodEnd"`
	Trigger     string       `json:"trigger"`
}
