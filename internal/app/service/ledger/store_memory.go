package ledger

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/fatflowers/resumecredits/internal/models"
	"github.com/fatflowers/resumecredits/pkg/types"
)

// MemoryStore is a Store for tests and local development. Each instance owns
// its data; a single mutex serialises every operation so the same
// conditional semantics as postgres hold.
type MemoryStore struct {
	mu           sync.Mutex
	subs         map[string]*models.Subscription
	consumptions []*models.CreditConsumption
	logs         []*models.SubscriptionLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*models.Subscription)}
}

func (m *MemoryStore) Get(_ context.Context, userID string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) GetByProviderSubscriptionID(_ context.Context, providerSubscriptionID string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if providerSubscriptionID == "" {
		return nil, ErrNotFound
	}
	for _, sub := range m.subs {
		if sub.ProviderSubscriptionID == providerSubscriptionID {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Insert(_ context.Context, sub *models.Subscription, log *models.SubscriptionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.UserID]; ok {
		return ErrDuplicateSubscription
	}
	cp := *sub
	m.subs[sub.UserID] = &cp
	m.logs = append(m.logs, log)
	return nil
}

func (m *MemoryStore) Mutate(ctx context.Context, userID string, fn MutateFunc) (*models.Subscription, *models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.subs[userID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	before := *cur
	working := *cur
	reason, err := fn(&working)
	if err != nil {
		return nil, nil, err
	}
	if reason == "" {
		return &before, &before, nil
	}
	stored := working
	m.subs[userID] = &stored
	after := working
	m.logs = append(m.logs, newSubscriptionLog(ctx, reason, &before, &after))
	return &before, &after, nil
}

func (m *MemoryStore) Debit(_ context.Context, event *models.CreditConsumption) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[event.UserID]
	if !ok || !sub.Active() || sub.Credits < event.Amount {
		return 0, false, nil
	}
	sub.Credits -= event.Amount
	sub.UpdatedAt = event.Timestamp
	event.BalanceAfter = sub.Credits
	cp := *event
	m.consumptions = append(m.consumptions, &cp)
	return sub.Credits, true, nil
}

func (m *MemoryStore) Refresh(ctx context.Context, observed *models.Subscription, period types.BillingPeriod, credits int64, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[observed.UserID]
	if !ok || !sub.Active() || !sub.CurrentPeriodEnd.Equal(observed.CurrentPeriodEnd) {
		return false, nil
	}
	before := *sub
	after := refreshedCopy(sub, period, credits, now)
	m.subs[observed.UserID] = after
	logged := *after
	m.logs = append(m.logs, newSubscriptionLog(ctx, types.SubscriptionChangeReasonMonthlyRefresh, &before, &logged))
	return true, nil
}

func (m *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*models.Subscription
	for _, sub := range m.subs {
		if sub.Active() && sub.PeriodEnded(now) {
			due = append(due, sub)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CurrentPeriodEnd.Before(due[j].CurrentPeriodEnd) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]string, 0, len(due))
	for _, sub := range due {
		ids = append(ids, sub.UserID)
	}
	return ids, nil
}

func (m *MemoryStore) ListConsumptions(_ context.Context, req *ListConsumptionsRequest) ([]*models.CreditConsumption, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*models.CreditConsumption
	for _, c := range m.consumptions {
		ok, err := matchConsumption(c, req.Filters)
		if err != nil {
			return nil, 0, err
		}
		if ok {
			cp := *c
			matched = append(matched, &cp)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		less := a.Timestamp.Before(b.Timestamp)
		if sortColumn(req.SortBy) == "amount" {
			less = a.Amount < b.Amount
		}
		if req.SortDesc {
			return !less
		}
		return less
	})
	total := int64(len(matched))
	if req.From >= len(matched) {
		return []*models.CreditConsumption{}, total, nil
	}
	end := len(matched)
	if req.Size > 0 && req.From+req.Size < end {
		end = req.From + req.Size
	}
	return matched[req.From:end], total, nil
}

// Consumptions returns every recorded event for userID in insertion order.
func (m *MemoryStore) Consumptions(userID string) []*models.CreditConsumption {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.CreditConsumption
	for _, c := range m.consumptions {
		if c.UserID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out
}

// Logs returns the subscription log entries for userID in insertion order.
func (m *MemoryStore) Logs(userID string) []*models.SubscriptionLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.SubscriptionLog
	for _, l := range m.logs {
		if l.UserID == userID {
			out = append(out, l)
		}
	}
	return out
}

// sortableTime has a fixed width so string order equals time order.
const sortableTime = "2006-01-02T15:04:05.000000000Z"

// matchConsumption supports eq, in and the range operators on the
// consumption filter fields. Values are compared by their string form, and
// timestamps in a fixed width UTC layout.
func matchConsumption(c *models.CreditConsumption, filters []*types.CommonFilter) (bool, error) {
	for _, f := range filters {
		var v string
		switch f.Field {
		case "user_id":
			v = c.UserID
		case "feature":
			v = string(c.Feature)
		case "trace_id":
			v = c.TraceID
		case "amount":
			v = fmt.Sprintf("%020d", c.Amount)
		case "timestamp":
			v = c.Timestamp.UTC().Format(sortableTime)
		default:
			return false, fmt.Errorf("filter on field %q is not supported", f.Field)
		}
		values := make([]string, len(f.Values))
		for i, raw := range f.Values {
			values[i] = normalizeFilterValue(f.Field, raw)
		}
		if len(values) == 0 {
			continue
		}
		var ok bool
		switch f.Operator {
		case types.CommonFilterOperatorEq:
			ok = v == values[0]
		case types.CommonFilterOperatorNotEq:
			ok = v != values[0]
		case types.CommonFilterOperatorIn:
			ok = slices.Contains(values, v)
		case types.CommonFilterOperatorLt:
			ok = v < values[0]
		case types.CommonFilterOperatorLte:
			ok = v <= values[0]
		case types.CommonFilterOperatorGt:
			ok = v > values[0]
		case types.CommonFilterOperatorGte:
			ok = v >= values[0]
		case types.CommonFilterOperatorRange, types.CommonFilterOperatorDateRange:
			ok = len(values) >= 2 && v >= values[0] && v <= values[1]
		default:
			return false, fmt.Errorf("unsupported filter operator %q", f.Operator)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func normalizeFilterValue(field string, raw any) string {
	switch field {
	case "amount":
		switch n := raw.(type) {
		case float64:
			return fmt.Sprintf("%020d", int64(n))
		case int:
			return fmt.Sprintf("%020d", n)
		case int64:
			return fmt.Sprintf("%020d", n)
		}
	case "timestamp":
		switch t := raw.(type) {
		case time.Time:
			return t.UTC().Format(sortableTime)
		case string:
			if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
				return parsed.UTC().Format(sortableTime)
			}
			return t
		}
	}
	return fmt.Sprint(raw)
}
