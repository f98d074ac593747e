package ledger

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/resumecredits/internal/models"
	"github.com/fatflowers/resumecredits/pkg/logctx"
	"github.com/fatflowers/resumecredits/pkg/tool"
	"github.com/fatflowers/resumecredits/pkg/types"
)

// PostgresStore keeps the ledger in postgres. Atomicity comes from
// conditional UPDATE statements, never from process memory.
type PostgresStore struct {
	db *gorm.DB
}

func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("Get", err)
	}
	return &sub, nil
}

func (s *PostgresStore) GetByProviderSubscriptionID(ctx context.Context, providerSubscriptionID string) (*models.Subscription, error) {
	if providerSubscriptionID == "" {
		return nil, ErrNotFound
	}
	var sub models.Subscription
	err := s.db.WithContext(ctx).Where("provider_subscription_id = ?", providerSubscriptionID).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("GetByProviderSubscriptionID", err)
	}
	return &sub, nil
}

func (s *PostgresStore) Insert(ctx context.Context, sub *models.Subscription, log *models.SubscriptionLog) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(sub).Error; err != nil {
			return err
		}
		return tx.Create(log).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateSubscription
	}
	if err != nil {
		return storageErr("Insert", err)
	}
	return nil
}

func (s *PostgresStore) Mutate(ctx context.Context, userID string, fn MutateFunc) (*models.Subscription, *models.Subscription, error) {
	var before, after *models.Subscription
	var fnErr error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub models.Subscription
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("user_id = ?", userID).First(&sub).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		snapshot := sub
		before = &snapshot

		var reason types.SubscriptionChangeReason
		reason, fnErr = fn(&sub)
		if fnErr != nil {
			return fnErr
		}
		if reason == "" {
			after = before
			return nil
		}
		if err := tx.Save(&sub).Error; err != nil {
			return err
		}
		after = &sub
		return tx.Create(newSubscriptionLog(ctx, reason, before, after)).Error
	})
	switch {
	case fnErr != nil:
		return nil, nil, fnErr
	case errors.Is(err, ErrNotFound):
		return nil, nil, ErrNotFound
	case err != nil:
		return nil, nil, storageErr("Mutate", err)
	}
	return before, after, nil
}

const debitSQL = `UPDATE subscription
SET credits = credits - ?, updated_at = ?
WHERE user_id = ? AND status = ? AND credits >= ?
RETURNING credits`

func (s *PostgresStore) Debit(ctx context.Context, event *models.CreditConsumption) (int64, bool, error) {
	var remaining int64
	var applied bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []int64
		if err := tx.Raw(debitSQL,
			event.Amount, event.Timestamp, event.UserID, types.SubscriptionStatusActive, event.Amount,
		).Scan(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		remaining, applied = rows[0], true
		event.BalanceAfter = remaining
		return tx.Create(event).Error
	})
	if err != nil {
		return 0, false, storageErr("Debit", err)
	}
	return remaining, applied, nil
}

func (s *PostgresStore) Refresh(ctx context.Context, observed *models.Subscription, period types.BillingPeriod, credits int64, now time.Time) (bool, error) {
	var applied bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Subscription{}).
			Where("user_id = ? AND status = ? AND current_period_end = ?",
				observed.UserID, types.SubscriptionStatusActive, observed.CurrentPeriodEnd).
			Updates(map[string]any{
				"credits":              credits,
				"current_period_start": period.Start,
				"current_period_end":   period.End,
				"updated_at":           now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true
		after := refreshedCopy(observed, period, credits, now)
		return tx.Create(newSubscriptionLog(ctx, types.SubscriptionChangeReasonMonthlyRefresh, observed, after)).Error
	})
	if err != nil {
		return false, storageErr("Refresh", err)
	}
	return applied, nil
}

func (s *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var ids []string
	q := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("status = ? AND current_period_end <= ?", types.SubscriptionStatusActive, now).
		Order("current_period_end")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Pluck("user_id", &ids).Error; err != nil {
		return nil, storageErr("ListDue", err)
	}
	return ids, nil
}

func (s *PostgresStore) ListConsumptions(ctx context.Context, req *ListConsumptionsRequest) ([]*models.CreditConsumption, int64, error) {
	where := clause.Where{Exprs: []clause.Expression{types.CommonFilters(req.Filters)}}

	var total int64
	if err := s.db.WithContext(ctx).Model(&models.CreditConsumption{}).Where(where).Count(&total).Error; err != nil {
		return nil, 0, storageErr("ListConsumptions", err)
	}

	var items []*models.CreditConsumption
	q := s.db.WithContext(ctx).Model(&models.CreditConsumption{}).Where(where).
		Order(clause.OrderByColumn{Column: clause.Column{Name: sortColumn(req.SortBy)}, Desc: req.SortDesc}).
		Offset(req.From).Limit(req.Size)
	if err := q.Find(&items).Error; err != nil {
		return nil, 0, storageErr("ListConsumptions", err)
	}
	return items, total, nil
}

func sortColumn(sortBy string) string {
	if sortBy == "amount" {
		return "amount"
	}
	return "timestamp"
}

func newSubscriptionLog(ctx context.Context, reason types.SubscriptionChangeReason, before, after *models.Subscription) *models.SubscriptionLog {
	extra := datatypes.JSONMap{}
	if tid := logctx.TraceID(ctx); tid != "" {
		extra["trace_id"] = tid
	}
	return &models.SubscriptionLog{
		ID:     tool.GenerateUUIDV7(),
		UserID: after.UserID,
		Reason: reason,
		Before: datatypes.NewJSONType(before),
		After:  datatypes.NewJSONType(after),
		Extra:  extra,
	}
}
