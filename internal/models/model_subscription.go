package models

import (
	"time"

	"github.com/fatflowers/resumecredits/pkg/types"
)

// Subscription is the per-user ledger row: plan tier, billing state and the
// credits left in the current billing period. One row per user.
type Subscription struct {
	ID     string                   `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID string                   `gorm:"column:user_id;type:varchar(128);not null;uniqueIndex" json:"userId"`
	Plan   types.PlanID             `gorm:"column:plan;type:varchar(32);not null" json:"plan"`
	Status types.SubscriptionStatus `gorm:"column:status;type:varchar(32);not null;index" json:"status"`
	// Credits never goes below zero; the check constraint backs the conditional debit.
	Credits int64 `gorm:"column:credits;not null;check:chk_subscription_credits_non_negative,credits >= 0" json:"credits"`
	// ProviderSubscriptionID is the Stripe subscription id, empty for manually created rows.
	ProviderSubscriptionID string `gorm:"column:provider_subscription_id;type:varchar(128);index" json:"providerSubscriptionId"`
	ProviderCustomerID     string `gorm:"column:provider_customer_id;type:varchar(128)" json:"providerCustomerId"`
	// BillingAnchor is the instant periods are counted from, so month-end
	// clamping never drifts the cycle.
	BillingAnchor      time.Time `gorm:"column:billing_anchor;not null" json:"-"`
	CurrentPeriodStart time.Time `gorm:"column:current_period_start;not null" json:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time `gorm:"column:current_period_end;not null;index" json:"currentPeriodEnd"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

func (Subscription) TableName() string {
	return "subscription"
}

// Active reports whether the subscription may consume credits.
func (s *Subscription) Active() bool {
	return s != nil && s.Status == types.SubscriptionStatusActive
}

func (s *Subscription) Allotment() int64 {
	if s == nil {
		return 0
	}
	return s.Plan.Allotment()
}

// Anchor falls back to the period start for rows written before the anchor existed.
func (s *Subscription) Anchor() time.Time {
	if s.BillingAnchor.IsZero() {
		return s.CurrentPeriodStart
	}
	return s.BillingAnchor
}

// PeriodEnded reports whether now is at or past the end of the current period.
func (s *Subscription) PeriodEnded(now time.Time) bool {
	return s != nil && !now.Before(s.CurrentPeriodEnd)
}
