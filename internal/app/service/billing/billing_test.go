package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
	"go.uber.org/zap"

	"github.com/fatflowers/resumecredits/internal/app/service/ledger"
	"github.com/fatflowers/resumecredits/internal/models"
	"github.com/fatflowers/resumecredits/pkg/config"
	"github.com/fatflowers/resumecredits/pkg/types"
)

const testWebhookSecret = "whsec_test_secret"

var now = time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)

type fakeStripe struct {
	customers []*stripe.CustomerParams
	checkouts []*stripe.CheckoutSessionParams
	portals   []*stripe.BillingPortalSessionParams
	err       error
}

func (f *fakeStripe) NewCustomer(params *stripe.CustomerParams) (*stripe.Customer, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.customers = append(f.customers, params)
	return &stripe.Customer{ID: fmt.Sprintf("cus_new_%d", len(f.customers))}, nil
}

func (f *fakeStripe) NewCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.checkouts = append(f.checkouts, params)
	return &stripe.CheckoutSession{ID: "cs_test", URL: "https://checkout.stripe.test/cs_test"}, nil
}

func (f *fakeStripe) NewPortalSession(params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.portals = append(f.portals, params)
	return &stripe.BillingPortalSession{ID: "bps_test", URL: "https://billing.stripe.test/p/session"}, nil
}

type memoryEventLog struct {
	mu   sync.Mutex
	rows map[string]models.WebhookEventLog
}

func (m *memoryEventLog) Get(_ context.Context, eventID string) (*models.WebhookEventLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[eventID]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (m *memoryEventLog) Save(_ context.Context, log *models.WebhookEventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[log.EventID] = *log
	return nil
}

type testEnv struct {
	svc    *Service
	ledger *ledger.Service
	store  *ledger.MemoryStore
	stripe *fakeStripe
	events *memoryEventLog
}

func testConfig() *config.Config {
	plans := types.DefaultPlans()
	for _, p := range plans {
		p.StripePriceID = "price_" + string(p.ID)
	}
	return &config.Config{
		Plans: plans,
		Stripe: config.StripeConfig{
			WebhookSecret:   testWebhookSecret,
			SuccessURL:      "https://app.test/billing/success",
			CancelURL:       "https://app.test/billing/cancel",
			PortalReturnURL: "https://app.test/settings",
		},
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := testConfig()
	log := zap.NewNop().Sugar()
	store := ledger.NewMemoryStore()
	l := ledger.NewService(store, nil, nil, cfg, log, ledger.WithClock(func() time.Time { return now }))
	env := &testEnv{
		ledger: l,
		store:  store,
		stripe: &fakeStripe{},
		events: &memoryEventLog{rows: map[string]models.WebhookEventLog{}},
	}
	env.svc = NewService(cfg, env.stripe, l, env.events, log)
	return env
}

func signed(t *testing.T, eventID, eventType, object string) ([]byte, string) {
	t.Helper()
	payload := []byte(fmt.Sprintf(`{"id":%q,"object":"event","api_version":"2024-06-20","type":%q,"data":{"object":%s}}`, eventID, eventType, object))
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: testWebhookSecret})
	return sp.Payload, sp.Header
}

func checkoutObject(userID, plan, subID string) string {
	return fmt.Sprintf(`{"id":"cs_1","object":"checkout.session","mode":"subscription","client_reference_id":%q,"customer":"cus_1","subscription":%q,"metadata":{"user_id":%q,"plan":%q}}`,
		userID, subID, userID, plan)
}

func subscriptionObject(subID, status, priceID string, start, end time.Time) string {
	return fmt.Sprintf(`{"id":%q,"object":"subscription","status":%q,"customer":"cus_1","current_period_start":%d,"current_period_end":%d,"items":{"object":"list","data":[{"id":"si_1","object":"subscription_item","price":{"id":%q,"object":"price"}}]},"metadata":{"user_id":"u1"}}`,
		subID, status, start.Unix(), end.Unix(), priceID)
}

func (e *testEnv) deliver(t *testing.T, eventID, eventType, object string) (*WebhookResult, error) {
	t.Helper()
	payload, header := signed(t, eventID, eventType, object)
	return e.svc.HandleWebhook(context.Background(), payload, header)
}

func TestHandleWebhook_CheckoutCompletedProvisions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.deliver(t, "evt_1", "checkout.session.completed", checkoutObject("u1", "standard", "sub_1"))
	require.NoError(t, err)
	assert.Equal(t, models.WebhookEventStatusHandled, res.Status)
	assert.False(t, res.Duplicate)

	bal, err := env.ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, types.PlanStandard, bal.Plan)
	assert.Equal(t, int64(50), bal.Credits)

	sub, err := env.ledger.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", sub.ProviderSubscriptionID)
	assert.Equal(t, "cus_1", sub.ProviderCustomerID)

	row, err := env.events.Get(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookEventStatusHandled, row.Status)
	assert.Equal(t, "u1", *row.UserID)
}

func TestHandleWebhook_RedeliveryDoesNotReprovision(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	obj := checkoutObject("u1", "basic", "sub_1")

	_, err := env.deliver(t, "evt_1", "checkout.session.completed", obj)
	require.NoError(t, err)
	_, err = env.ledger.Consume(ctx, ledger.ConsumeRequest{UserID: "u1", Feature: types.FeatureResumeGeneration, Amount: 4})
	require.NoError(t, err)

	res, err := env.deliver(t, "evt_1", "checkout.session.completed", obj)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	// a second event for the same provider subscription is also a no-op
	res, err = env.deliver(t, "evt_2", "checkout.session.completed", obj)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, models.WebhookEventStatusHandled, res.Status)

	bal, err := env.ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), bal.Credits)
}

func TestHandleWebhook_RejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	payload, _ := signed(t, "evt_1", "checkout.session.completed", checkoutObject("u1", "pro", "sub_1"))

	_, err := env.svc.HandleWebhook(context.Background(), payload, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = env.svc.HandleWebhook(context.Background(), payload, "")
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Empty(t, env.events.rows)
}

func TestHandleWebhook_NotConfigured(t *testing.T) {
	env := newTestEnv(t)
	env.svc.cfg.Stripe.WebhookSecret = ""
	_, err := env.svc.HandleWebhook(context.Background(), []byte(`{}`), "sig")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestHandleWebhook_SubscriptionUpdated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.deliver(t, "evt_1", "checkout.session.completed", checkoutObject("u1", "standard", "sub_1"))
	require.NoError(t, err)
	_, err = env.ledger.Consume(ctx, ledger.ConsumeRequest{UserID: "u1", Feature: types.FeatureAISuggestion, Amount: 20})
	require.NoError(t, err)
	sub, err := env.ledger.GetSubscription(ctx, "u1")
	require.NoError(t, err)

	// upgrade in the same period keeps usage
	res, err := env.deliver(t, "evt_2", "customer.subscription.updated",
		subscriptionObject("sub_1", "active", "price_pro", sub.CurrentPeriodStart, sub.CurrentPeriodEnd))
	require.NoError(t, err)
	assert.Equal(t, models.WebhookEventStatusHandled, res.Status)
	sub, err = env.ledger.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, types.PlanPro, sub.Plan)
	assert.Equal(t, int64(180), sub.Credits)

	// renewal resets to the allotment
	next := sub.CurrentPeriodEnd.AddDate(0, 1, 0)
	_, err = env.deliver(t, "evt_3", "customer.subscription.updated",
		subscriptionObject("sub_1", "active", "price_pro", sub.CurrentPeriodEnd, next))
	require.NoError(t, err)
	sub, err = env.ledger.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), sub.Credits)
	assert.Equal(t, next, sub.CurrentPeriodEnd)

	// past_due blocks consumption
	_, err = env.deliver(t, "evt_4", "customer.subscription.updated",
		subscriptionObject("sub_1", "past_due", "price_pro", sub.CurrentPeriodStart, sub.CurrentPeriodEnd))
	require.NoError(t, err)
	_, err = env.ledger.Consume(ctx, ledger.ConsumeRequest{UserID: "u1", Feature: types.FeatureAISuggestion, Amount: 1})
	assert.ErrorIs(t, err, ledger.ErrNoActiveSubscription)
}

func TestHandleWebhook_SubscriptionDeleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.deliver(t, "evt_1", "checkout.session.completed", checkoutObject("u1", "pro", "sub_1"))
	require.NoError(t, err)

	_, err = env.deliver(t, "evt_2", "customer.subscription.deleted",
		subscriptionObject("sub_1", "canceled", "price_pro", now, now.AddDate(0, 1, 0)))
	require.NoError(t, err)

	sub, err := env.ledger.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionStatusCanceled, sub.Status)
}

func TestHandleWebhook_Ignored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.deliver(t, "evt_1", "invoice.paid", `{"id":"in_1","object":"invoice"}`)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookEventStatusIgnored, res.Status)

	res, err = env.deliver(t, "evt_2", "customer.subscription.updated",
		subscriptionObject("sub_unknown", "active", "price_basic", now, now.AddDate(0, 1, 0)))
	require.NoError(t, err)
	assert.Equal(t, models.WebhookEventStatusIgnored, res.Status)

	res, err = env.deliver(t, "evt_3", "checkout.session.completed", checkoutObject("u1", "enterprise", "sub_1"))
	require.NoError(t, err)
	assert.Equal(t, models.WebhookEventStatusIgnored, res.Status)
	_, err = env.ledger.GetSubscription(ctx, "u1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	// ignored events are done and redeliveries are skipped
	res, err = env.deliver(t, "evt_1", "invoice.paid", `{"id":"in_1","object":"invoice"}`)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
}

type failingLedger struct {
	ledger.Ledger
	calls int
}

func (f *failingLedger) CreateSubscription(context.Context, ledger.CreateSubscriptionRequest) (*models.Subscription, error) {
	f.calls++
	return nil, fmt.Errorf("ledger.Insert: %w: %w", ledger.ErrStorageFailure, errors.New("connection reset"))
}

func TestHandleWebhook_TransientFailureIsRetried(t *testing.T) {
	env := newTestEnv(t)
	fl := &failingLedger{Ledger: env.ledger}
	env.svc.ledger = fl
	obj := checkoutObject("u1", "basic", "sub_1")

	_, err := env.deliver(t, "evt_1", "checkout.session.completed", obj)
	require.Error(t, err)
	assert.True(t, ledger.IsRetryable(err))
	row, _ := env.events.Get(context.Background(), "evt_1")
	assert.Equal(t, models.WebhookEventStatusHandleFailed, row.Status)

	env.svc.ledger = env.ledger
	res, err := env.deliver(t, "evt_1", "checkout.session.completed", obj)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, models.WebhookEventStatusHandled, res.Status)
	assert.Equal(t, 1, fl.calls)
}

func TestCreateCheckoutSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	url, err := env.svc.CreateCheckoutSession(ctx, "u1", types.PlanPro)
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.stripe.test/cs_test", url)
	require.Len(t, env.stripe.customers, 1)
	assert.Equal(t, "u1", env.stripe.customers[0].Metadata["user_id"])

	require.Len(t, env.stripe.checkouts, 1)
	params := env.stripe.checkouts[0]
	assert.Equal(t, "cus_new_1", *params.Customer)
	assert.Equal(t, "price_pro", *params.LineItems[0].Price)
	assert.Equal(t, "pro", params.Metadata["plan"])
	assert.Equal(t, "u1", params.SubscriptionData.Metadata["user_id"])
	assert.Equal(t, string(stripe.CheckoutSessionModeSubscription), *params.Mode)
}

func TestCreateCheckoutSession_ReusesCustomer(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.ledger.CreateSubscription(context.Background(), ledger.CreateSubscriptionRequest{
		UserID: "u1", Plan: types.PlanBasic, ProviderSubscriptionID: "sub_1", ProviderCustomerID: "cus_existing",
	})
	require.NoError(t, err)

	_, err = env.svc.CreateCheckoutSession(context.Background(), "u1", types.PlanStandard)
	require.NoError(t, err)
	assert.Empty(t, env.stripe.customers)
	assert.Equal(t, "cus_existing", *env.stripe.checkouts[0].Customer)
}

func TestCreateCheckoutSession_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.CreateCheckoutSession(ctx, "u1", "enterprise")
	assert.ErrorIs(t, err, ledger.ErrInvalidPlan)

	env.svc.cfg.GetPlan(types.PlanBasic).StripePriceID = ""
	_, err = env.svc.CreateCheckoutSession(ctx, "u1", types.PlanBasic)
	assert.ErrorIs(t, err, ErrPlanNotForSale)

	env.stripe.err = errors.New("stripe down")
	_, err = env.svc.CreateCheckoutSession(ctx, "u1", types.PlanPro)
	assert.Error(t, err)

	env.svc.stripe = nil
	_, err = env.svc.CreateCheckoutSession(ctx, "u1", types.PlanPro)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestCreatePortalSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.CreatePortalSession(ctx, "u1")
	assert.ErrorIs(t, err, ErrNoCustomer)

	_, err = env.ledger.CreateSubscription(ctx, ledger.CreateSubscriptionRequest{
		UserID: "u1", Plan: types.PlanBasic, ProviderSubscriptionID: "sub_1", ProviderCustomerID: "cus_1",
	})
	require.NoError(t, err)

	url, err := env.svc.CreatePortalSession(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "https://billing.stripe.test/p/session", url)
	assert.Equal(t, "cus_1", *env.stripe.portals[0].Customer)
	assert.Equal(t, "https://app.test/settings", *env.stripe.portals[0].ReturnURL)
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, types.SubscriptionStatusActive, mapStatus(stripe.SubscriptionStatusActive))
	assert.Equal(t, types.SubscriptionStatusCanceled, mapStatus(stripe.SubscriptionStatusIncompleteExpired))
	assert.Equal(t, types.SubscriptionStatusPastDue, mapStatus(stripe.SubscriptionStatusPaused))
	assert.Equal(t, types.SubscriptionStatus(""), mapStatus("mystery"))
}
