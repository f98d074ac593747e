package ledger

import (
	"context"
	"time"

	"github.com/fatflowers/resumecredits/internal/models"
	"github.com/fatflowers/resumecredits/pkg/types"
)

// MutateFunc edits sub in place and returns why. An empty reason leaves the
// row untouched.
type MutateFunc func(sub *models.Subscription) (types.SubscriptionChangeReason, error)

// Store persists subscriptions and consumption events. Implementations must
// make Debit and Refresh atomic on their own; the ledger holds no locks.
type Store interface {
	// Get returns ErrNotFound when the user has no subscription.
	Get(ctx context.Context, userID string) (*models.Subscription, error)
	GetByProviderSubscriptionID(ctx context.Context, providerSubscriptionID string) (*models.Subscription, error)
	// Insert returns ErrDuplicateSubscription when the user already has a row.
	Insert(ctx context.Context, sub *models.Subscription, log *models.SubscriptionLog) error
	// Mutate runs fn against the locked row and writes the result together
	// with a subscription log entry. It returns copies of the row before and after.
	Mutate(ctx context.Context, userID string, fn MutateFunc) (before, after *models.Subscription, err error)
	// Debit subtracts event.Amount when the row is active and holds enough
	// credits, recording event in the same transaction. applied is false when
	// the condition did not hold; nothing is written in that case.
	Debit(ctx context.Context, event *models.CreditConsumption) (remaining int64, applied bool, err error)
	// Refresh resets credits and moves the period, but only while the row is
	// still active and its period end equals observed.CurrentPeriodEnd.
	Refresh(ctx context.Context, observed *models.Subscription, period types.BillingPeriod, credits int64, now time.Time) (applied bool, err error)
	// ListDue returns users whose active period ended at or before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]string, error)
	ListConsumptions(ctx context.Context, req *ListConsumptionsRequest) ([]*models.CreditConsumption, int64, error)
}

func refreshedCopy(observed *models.Subscription, period types.BillingPeriod, credits int64, now time.Time) *models.Subscription {
	after := *observed
	after.Credits = credits
	after.CurrentPeriodStart = period.Start
	after.CurrentPeriodEnd = period.End
	after.UpdatedAt = now
	return &after
}
