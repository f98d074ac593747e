package types

import "time"

// SubscriptionStatus mirrors the payment provider's subscription states.
// Only SubscriptionStatusActive permits credit consumption.
type SubscriptionStatus string

const (
	SubscriptionStatusActive     SubscriptionStatus = "active"
	SubscriptionStatusCanceled   SubscriptionStatus = "canceled"
	SubscriptionStatusPastDue    SubscriptionStatus = "past_due"
	SubscriptionStatusIncomplete SubscriptionStatus = "incomplete"
	SubscriptionStatusUnpaid     SubscriptionStatus = "unpaid"
	SubscriptionStatusTrialing   SubscriptionStatus = "trialing"
)

func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionStatusActive, SubscriptionStatusCanceled, SubscriptionStatusPastDue,
		SubscriptionStatusIncomplete, SubscriptionStatusUnpaid, SubscriptionStatusTrialing:
		return true
	}
	return false
}

type SubscriptionChangeReason string

const (
	SubscriptionChangeReasonCreate         SubscriptionChangeReason = "create"
	SubscriptionChangeReasonReprovision    SubscriptionChangeReason = "reprovision"
	SubscriptionChangeReasonStatusChange   SubscriptionChangeReason = "status_change"
	SubscriptionChangeReasonPlanChange     SubscriptionChangeReason = "plan_change"
	SubscriptionChangeReasonMonthlyRefresh SubscriptionChangeReason = "monthly_refresh"
	SubscriptionChangeReasonRenewal        SubscriptionChangeReason = "renewal"
)

// BillingPeriod is a half-open interval [Start, End).
type BillingPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// AddMonths adds n calendar months to t, clamping the day to the last day of
// the target month so Jan 31 + 1 month is Feb 28/29 rather than Mar 2/3.
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// NextPeriod advances a period that ended at end until it covers now.
// The anchor keeps the billing day stable across short months.
func NextPeriod(anchor, end, now time.Time) BillingPeriod {
	months := monthsBetween(anchor, end)
	start := end
	next := AddMonths(anchor, months+1)
	for !next.After(now) {
		months++
		start = next
		next = AddMonths(anchor, months+1)
	}
	return BillingPeriod{Start: start, End: next}
}

func monthsBetween(from, to time.Time) int {
	n := (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month())
	if n < 0 {
		return 0
	}
	return n
}
