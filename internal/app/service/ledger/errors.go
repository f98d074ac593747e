package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("subscription not found")
	ErrNoActiveSubscription  = errors.New("no active subscription")
	ErrDuplicateSubscription = errors.New("user already has an active subscription")
	ErrStorageFailure        = errors.New("ledger storage failure")
	ErrInsufficientCredits   = errors.New("insufficient credits")
	ErrInvalidPlan           = errors.New("invalid plan")
	ErrInvalidFeature        = errors.New("invalid feature")
	ErrInvalidAmount         = errors.New("amount must be at least 1")
	ErrInvalidStatus         = errors.New("invalid subscription status")
	ErrInvalidUser           = errors.New("user id is required")
	ErrInvalidFilter         = errors.New("invalid filter")
)

// InsufficientCreditsError carries the balance seen when a debit was refused.
// errors.Is(err, ErrInsufficientCredits) matches it.
type InsufficientCreditsError struct {
	Current  int64
	Required int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: have %d, need %d", e.Current, e.Required)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable reports whether the failure came from storage rather than from
// the caller's request or the ledger state.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageFailure)
}

// IsValidation reports whether err was caused by a malformed request.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidPlan) ||
		errors.Is(err, ErrInvalidFeature) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrInvalidUser) ||
		errors.Is(err, ErrInvalidFilter)
}

func storageErr(op string, err error) error {
	return fmt.Errorf("ledger.%s: %w: %w", op, ErrStorageFailure, err)
}
