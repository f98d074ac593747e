package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fatflowers/resumecredits/internal/models"
	"github.com/fatflowers/resumecredits/internal/platform/cache"
	"github.com/fatflowers/resumecredits/internal/platform/mq"
	"github.com/fatflowers/resumecredits/pkg/config"
	"github.com/fatflowers/resumecredits/pkg/logctx"
	"github.com/fatflowers/resumecredits/pkg/metrics"
	"github.com/fatflowers/resumecredits/pkg/tool"
	"github.com/fatflowers/resumecredits/pkg/types"
)

// Ledger tracks plan, credits and billing period per user.
type Ledger interface {
	GetBalance(ctx context.Context, userID string) (*Balance, error)
	CanConsume(ctx context.Context, userID string, feature types.Feature, amount int64) (bool, error)
	Consume(ctx context.Context, req ConsumeRequest) (*ConsumeResult, error)
	RefreshMonthly(ctx context.Context, userID string) (bool, error)
	CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*models.Subscription, error)
	ChangePlan(ctx context.Context, userID string, plan types.PlanID) (*models.Subscription, error)
	UpdateStatus(ctx context.Context, userID string, status types.SubscriptionStatus) (*models.Subscription, error)
	UpdateStatusByProvider(ctx context.Context, update ProviderUpdate) (*models.Subscription, error)
	GetSubscription(ctx context.Context, userID string) (*models.Subscription, error)
	ListConsumptions(ctx context.Context, req *ListConsumptionsRequest) (*ListConsumptionsResult, error)
	RefreshDue(ctx context.Context, limit int) (int, error)
}

const (
	balanceKeyPrefix = "ledger:balance:"
	defaultPageSize  = 20
	maxPageSize      = 200

	// A provider period must end this much later than ours to count as a
	// renewal; smaller differences are the local refresh having got there first.
	renewalTolerance = time.Hour

	triggerRead    = "read"
	triggerConsume = "consume"
	triggerManual  = "manual"
	triggerSweep   = "sweep"
)

type Service struct {
	store      Store
	cache      cache.Cache
	publisher  mq.Publisher
	log        *zap.SugaredLogger
	balanceTTL time.Duration
	now        func() time.Time
}

type Option func(*Service)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, c cache.Cache, publisher mq.Publisher, cfg *config.Config, log *zap.SugaredLogger, opts ...Option) *Service {
	if c == nil {
		c = cache.Noop{}
	}
	if publisher == nil {
		publisher = mq.Noop{}
	}
	ttl := 30 * time.Second
	if cfg != nil && cfg.Redis.BalanceTTL > 0 {
		ttl = cfg.Redis.BalanceTTL
	}
	s := &Service{
		store:      store,
		cache:      c,
		publisher:  publisher,
		log:        log,
		balanceTTL: ttl,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// clock returns now in UTC at the precision postgres stores.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// GetBalance returns the user's current balance, resetting it first when the
// billing period has ended.
func (s *Service) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}
	now := s.clock()

	var cached Balance
	found, err := s.cache.Get(ctx, balanceKey(userID), &cached)
	if err != nil {
		logctx.FromCtx(ctx, s.log).Warnw("balance cache read failed", "err", err)
	} else if found && now.Before(cached.PeriodEnd) {
		return &cached, nil
	}

	sub, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.Active() && sub.PeriodEnded(now) {
		if _, err := s.refresh(ctx, sub, now, triggerRead); err != nil {
			return nil, err
		}
		if sub, err = s.store.Get(ctx, userID); err != nil {
			return nil, err
		}
	}

	bal := balanceOf(sub)
	s.cacheBalance(ctx, sub, bal)
	return bal, nil
}

// cacheBalance stores bal, then drops it again if the row moved on since it
// was read. A write that commits after the re-read invalidates on its own.
func (s *Service) cacheBalance(ctx context.Context, read *models.Subscription, bal *Balance) {
	if err := s.cache.Set(ctx, balanceKey(read.UserID), bal, s.balanceTTL); err != nil {
		logctx.FromCtx(ctx, s.log).Warnw("balance cache write failed", "err", err)
		return
	}
	cur, err := s.store.Get(ctx, read.UserID)
	if err != nil || !sameRevision(read, cur) {
		s.invalidate(ctx, read.UserID)
	}
}

func sameRevision(a, b *models.Subscription) bool {
	return a.UpdatedAt.Equal(b.UpdatedAt) &&
		a.Credits == b.Credits &&
		a.Status == b.Status &&
		a.Plan == b.Plan &&
		a.CurrentPeriodEnd.Equal(b.CurrentPeriodEnd)
}

// CanConsume reports whether a Consume of amount would currently succeed.
// It never writes; a period that has ended counts as already reset.
func (s *Service) CanConsume(ctx context.Context, userID string, feature types.Feature, amount int64) (bool, error) {
	if err := validateConsume(userID, feature, amount); err != nil {
		return false, err
	}
	sub, err := s.store.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !sub.Active() {
		return false, nil
	}
	credits := sub.Credits
	if sub.PeriodEnded(s.clock()) {
		credits = sub.Allotment()
	}
	return credits >= amount, nil
}

// Consume debits amount credits and records the consumption event in one
// transaction. The check and the decrement are a single conditional update,
// so concurrent callers can never overdraw.
func (s *Service) Consume(ctx context.Context, req ConsumeRequest) (*ConsumeResult, error) {
	start := time.Now()
	defer metrics.ObserveBusinessProcess("ledger", "consume", start)

	if err := validateConsume(req.UserID, req.Feature, req.Amount); err != nil {
		return nil, err
	}
	lg := logctx.FromCtx(ctx, s.log)
	now := s.clock()

	sub, err := s.store.Get(ctx, req.UserID)
	if errors.Is(err, ErrNotFound) {
		metrics.Inc(metrics.MetricsConsumeRejected, "no_subscription")
		return nil, ErrNoActiveSubscription
	}
	if err != nil {
		return nil, err
	}
	if !sub.Active() {
		metrics.Inc(metrics.MetricsConsumeRejected, "inactive")
		return nil, ErrNoActiveSubscription
	}
	if sub.PeriodEnded(now) {
		if _, err := s.refresh(ctx, sub, now, triggerConsume); err != nil {
			return nil, err
		}
	}

	traceID := req.TraceID
	if traceID == "" {
		traceID = logctx.TraceID(ctx)
	}
	event := &models.CreditConsumption{
		ID:          tool.GenerateUUIDV7(),
		UserID:      req.UserID,
		Feature:     req.Feature,
		Amount:      req.Amount,
		Description: req.Description,
		TraceID:     traceID,
		Timestamp:   now,
	}
	remaining, applied, err := s.store.Debit(ctx, event)
	if err != nil {
		lg.Errorw("debit failed", "feature", req.Feature, "amount", req.Amount, "err", err)
		return nil, err
	}
	if !applied {
		return nil, s.rejection(ctx, req.UserID, req.Amount)
	}

	s.invalidate(ctx, req.UserID)
	s.publish(ctx, mq.RoutingKeyCreditsConsumed, &ConsumedEvent{
		EventID:          event.ID,
		UserID:           event.UserID,
		Feature:          event.Feature,
		Amount:           event.Amount,
		RemainingCredits: remaining,
		TraceID:          event.TraceID,
		Timestamp:        event.Timestamp,
	})
	metrics.IncBy(metrics.MetricsCreditsConsumed, float64(req.Amount), string(req.Feature))
	lg.Infow("credits consumed", "feature", req.Feature, "amount", req.Amount, "remaining", remaining)
	return &ConsumeResult{Success: true, RemainingCredits: remaining, EventID: event.ID}, nil
}

// rejection explains a debit whose condition did not hold.
func (s *Service) rejection(ctx context.Context, userID string, amount int64) error {
	cur, err := s.store.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) || (err == nil && !cur.Active()) {
		metrics.Inc(metrics.MetricsConsumeRejected, "inactive")
		return ErrNoActiveSubscription
	}
	if err != nil {
		return err
	}
	metrics.Inc(metrics.MetricsConsumeRejected, "insufficient")
	return &InsufficientCreditsError{Current: cur.Credits, Required: amount}
}

// RefreshMonthly resets credits to the plan allotment when the current period
// has ended. It returns false when nothing was due, when the row is missing or
// inactive, or when a concurrent caller already applied the reset.
func (s *Service) RefreshMonthly(ctx context.Context, userID string) (bool, error) {
	return s.refreshUser(ctx, userID, triggerManual)
}

func (s *Service) refreshUser(ctx context.Context, userID, trigger string) (bool, error) {
	if userID == "" {
		return false, ErrInvalidUser
	}
	sub, err := s.store.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.refresh(ctx, sub, s.clock(), trigger)
}

func (s *Service) refresh(ctx context.Context, sub *models.Subscription, now time.Time, trigger string) (bool, error) {
	if !sub.Active() || !sub.PeriodEnded(now) {
		return false, nil
	}
	period := types.NextPeriod(sub.Anchor(), sub.CurrentPeriodEnd, now)
	credits := sub.Allotment()
	applied, err := s.store.Refresh(ctx, sub, period, credits, now)
	if err != nil || !applied {
		return false, err
	}

	s.invalidate(ctx, sub.UserID)
	s.publish(ctx, mq.RoutingKeyCreditsRefreshed, &RefreshedEvent{
		UserID:      sub.UserID,
		Plan:        sub.Plan,
		Credits:     credits,
		PeriodStart: period.Start,
		PeriodEnd:   period.End,
		Trigger:     trigger,
	})
	metrics.Inc(metrics.MetricsCreditsRefreshed, trigger)
	logctx.FromCtx(ctx, s.log).Infow("credits refreshed",
		"user_id", sub.UserID, "plan", sub.Plan, "credits", credits, "period_end", period.End, "trigger", trigger)
	return true, nil
}

// CreateSubscription provisions a user at the full plan allotment.
//
// A user with an active subscription bound to another provider subscription
// is rejected with ErrDuplicateSubscription. Replaying the same provider
// subscription returns the stored row unchanged. A canceled or otherwise
// inactive row is provisioned again in place.
func (s *Service) CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*models.Subscription, error) {
	if req.UserID == "" {
		return nil, ErrInvalidUser
	}
	if !req.Plan.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPlan, req.Plan)
	}
	now := s.clock()
	period := types.BillingPeriod{Start: now, End: types.AddMonths(now, 1)}
	if p := req.Period; p != nil && p.End.After(p.Start) && p.End.After(now) {
		period = types.BillingPeriod{Start: p.Start.UTC().Truncate(time.Microsecond), End: p.End.UTC().Truncate(time.Microsecond)}
	}

	sub := &models.Subscription{
		ID:                     tool.GenerateUUIDV7(),
		UserID:                 req.UserID,
		Plan:                   req.Plan,
		Status:                 types.SubscriptionStatusActive,
		Credits:                req.Plan.Allotment(),
		ProviderSubscriptionID: req.ProviderSubscriptionID,
		ProviderCustomerID:     req.ProviderCustomerID,
		BillingAnchor:          period.Start,
		CurrentPeriodStart:     period.Start,
		CurrentPeriodEnd:       period.End,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	err := s.store.Insert(ctx, sub, newSubscriptionLog(ctx, types.SubscriptionChangeReasonCreate, nil, sub))
	if err == nil {
		s.invalidate(ctx, req.UserID)
		logctx.FromCtx(ctx, s.log).Infow("subscription created", "user_id", req.UserID, "plan", req.Plan)
		return sub, nil
	}
	if !errors.Is(err, ErrDuplicateSubscription) {
		return nil, err
	}

	before, after, err := s.store.Mutate(ctx, req.UserID, func(cur *models.Subscription) (types.SubscriptionChangeReason, error) {
		if cur.Active() {
			if req.ProviderSubscriptionID != "" && cur.ProviderSubscriptionID == req.ProviderSubscriptionID {
				return "", nil
			}
			return "", ErrDuplicateSubscription
		}
		cur.Plan = req.Plan
		cur.Status = types.SubscriptionStatusActive
		cur.Credits = req.Plan.Allotment()
		cur.ProviderSubscriptionID = req.ProviderSubscriptionID
		if req.ProviderCustomerID != "" {
			cur.ProviderCustomerID = req.ProviderCustomerID
		}
		cur.BillingAnchor = period.Start
		cur.CurrentPeriodStart = period.Start
		cur.CurrentPeriodEnd = period.End
		cur.UpdatedAt = now
		return types.SubscriptionChangeReasonReprovision, nil
	})
	if err != nil {
		return nil, err
	}
	if after != before {
		s.invalidate(ctx, req.UserID)
		logctx.FromCtx(ctx, s.log).Infow("subscription re-provisioned", "user_id", req.UserID, "plan", req.Plan)
	}
	return after, nil
}

// ChangePlan switches plan keeping the credits already used this period
// spent: the new balance is the new allotment minus usage, floored at zero.
func (s *Service) ChangePlan(ctx context.Context, userID string, plan types.PlanID) (*models.Subscription, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}
	if !plan.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPlan, plan)
	}
	now := s.clock()
	before, after, err := s.store.Mutate(ctx, userID, func(cur *models.Subscription) (types.SubscriptionChangeReason, error) {
		if cur.Plan == plan {
			return "", nil
		}
		applyPlan(cur, plan)
		cur.UpdatedAt = now
		return types.SubscriptionChangeReasonPlanChange, nil
	})
	if err != nil {
		return nil, err
	}
	if after != before {
		s.invalidate(ctx, userID)
	}
	return after, nil
}

func (s *Service) UpdateStatus(ctx context.Context, userID string, status types.SubscriptionStatus) (*models.Subscription, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	now := s.clock()
	before, after, err := s.store.Mutate(ctx, userID, func(cur *models.Subscription) (types.SubscriptionChangeReason, error) {
		if cur.Status == status {
			return "", nil
		}
		cur.Status = status
		cur.UpdatedAt = now
		return types.SubscriptionChangeReasonStatusChange, nil
	})
	if err != nil {
		return nil, err
	}
	if after != before {
		s.invalidate(ctx, userID)
	}
	return after, nil
}

// UpdateStatusByProvider applies the provider's view of a subscription: plan,
// status, and a new billing period. A period that moved forward is a renewal
// and resets credits to the allotment.
func (s *Service) UpdateStatusByProvider(ctx context.Context, update ProviderUpdate) (*models.Subscription, error) {
	if update.Status != "" && !update.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, update.Status)
	}
	if update.Plan != "" && !update.Plan.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPlan, update.Plan)
	}
	known, err := s.store.GetByProviderSubscriptionID(ctx, update.ProviderSubscriptionID)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	before, after, err := s.store.Mutate(ctx, known.UserID, func(cur *models.Subscription) (types.SubscriptionChangeReason, error) {
		if cur.ProviderSubscriptionID != update.ProviderSubscriptionID {
			return "", ErrNotFound
		}
		var reason types.SubscriptionChangeReason
		if update.Plan != "" && update.Plan != cur.Plan {
			applyPlan(cur, update.Plan)
			reason = types.SubscriptionChangeReasonPlanChange
		}
		if update.Status != "" && update.Status != cur.Status {
			cur.Status = update.Status
			if reason == "" {
				reason = types.SubscriptionChangeReasonStatusChange
			}
		}
		if p := update.Period; p != nil && p.End.After(cur.CurrentPeriodEnd.Add(renewalTolerance)) {
			start := p.Start.UTC().Truncate(time.Microsecond)
			cur.BillingAnchor = start
			cur.CurrentPeriodStart = start
			cur.CurrentPeriodEnd = p.End.UTC().Truncate(time.Microsecond)
			cur.Credits = cur.Allotment()
			reason = types.SubscriptionChangeReasonRenewal
		}
		if reason != "" {
			cur.UpdatedAt = now
		}
		return reason, nil
	})
	if err != nil {
		return nil, err
	}
	if after != before {
		s.invalidate(ctx, known.UserID)
		logctx.FromCtx(ctx, s.log).Infow("subscription synced from provider",
			"user_id", known.UserID, "status", after.Status, "plan", after.Plan, "period_end", after.CurrentPeriodEnd)
	}
	return after, nil
}

func (s *Service) GetSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}
	return s.store.Get(ctx, userID)
}

func (s *Service) ListConsumptions(ctx context.Context, req *ListConsumptionsRequest) (*ListConsumptionsResult, error) {
	if req == nil {
		req = &ListConsumptionsRequest{}
	}
	if err := types.CommonFilters(req.Filters).Validate(ConsumptionFilterFields); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}
	q := *req
	if q.From < 0 {
		q.From = 0
	}
	if q.Size <= 0 {
		q.Size = defaultPageSize
	}
	if q.Size > maxPageSize {
		q.Size = maxPageSize
	}
	items, total, err := s.store.ListConsumptions(ctx, &q)
	if err != nil {
		return nil, err
	}
	return &ListConsumptionsResult{Items: items, Total: total}, nil
}

// RefreshDue refreshes up to limit subscriptions whose period has ended and
// returns how many were reset. Per-user failures do not stop the batch.
func (s *Service) RefreshDue(ctx context.Context, limit int) (int, error) {
	start := time.Now()
	defer metrics.ObserveBusinessProcess("ledger", "refresh_due", start)

	ids, err := s.store.ListDue(ctx, s.clock(), limit)
	if err != nil {
		return 0, err
	}
	var refreshed int
	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		ok, err := s.refreshUser(ctx, id, triggerSweep)
		if err != nil {
			errs = append(errs, fmt.Errorf("refresh %s: %w", id, err))
			continue
		}
		if ok {
			refreshed++
		}
	}
	return refreshed, errors.Join(errs...)
}

func (s *Service) invalidate(ctx context.Context, userID string) {
	if err := s.cache.Invalidate(ctx, balanceKey(userID)); err != nil {
		logctx.FromCtx(ctx, s.log).Warnw("balance cache invalidate failed", "user_id", userID, "err", err)
	}
}

func (s *Service) publish(ctx context.Context, routingKey string, msg any) {
	if err := s.publisher.Publish(ctx, routingKey, msg); err != nil {
		logctx.FromCtx(ctx, s.log).Warnw("ledger event publish failed", "routing_key", routingKey, "err", err)
	}
}

func applyPlan(cur *models.Subscription, plan types.PlanID) {
	used := cur.Allotment() - cur.Credits
	if used < 0 {
		used = 0
	}
	credits := plan.Allotment() - used
	if credits < 0 {
		credits = 0
	}
	cur.Plan = plan
	cur.Credits = credits
}

func validateConsume(userID string, feature types.Feature, amount int64) error {
	if userID == "" {
		return ErrInvalidUser
	}
	if !feature.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidFeature, feature)
	}
	if amount < 1 {
		return ErrInvalidAmount
	}
	return nil
}

func balanceKey(userID string) string {
	return balanceKeyPrefix + userID
}
