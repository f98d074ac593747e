package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v79"
	"go.uber.org/zap"

	"github.com/fatflowers/resumecredits/internal/app/service/ledger"
	"github.com/fatflowers/resumecredits/internal/models"
	"github.com/fatflowers/resumecredits/pkg/config"
	"github.com/fatflowers/resumecredits/pkg/logctx"
	"github.com/fatflowers/resumecredits/pkg/types"
)

const (
	ProviderStripe = "stripe"

	metadataUserID = "user_id"
	metadataPlan   = "plan"
)

var (
	ErrNotConfigured    = errors.New("billing is not configured")
	ErrPlanNotForSale   = errors.New("plan has no stripe price")
	ErrNoCustomer       = errors.New("user has no billing customer")
	ErrInvalidSignature = errors.New("webhook signature verification failed")
	ErrInvalidPayload   = errors.New("invalid webhook payload")
)

// EventLog records webhook deliveries by provider event id.
type EventLog interface {
	Get(ctx context.Context, eventID string) (*models.WebhookEventLog, error)
	Save(ctx context.Context, log *models.WebhookEventLog) error
}

// Service starts Stripe checkout and portal sessions and turns Stripe
// webhooks into ledger calls.
type Service struct {
	cfg    *config.Config
	stripe StripeAPI
	ledger ledger.Ledger
	events EventLog
	log    *zap.SugaredLogger
}

func NewService(cfg *config.Config, api StripeAPI, l ledger.Ledger, events EventLog, log *zap.SugaredLogger) *Service {
	return &Service{cfg: cfg, stripe: api, ledger: l, events: events, log: log}
}

// CreateCheckoutSession returns the hosted checkout URL for plan. The user
// and plan travel in metadata so the completion webhook can provision them.
func (s *Service) CreateCheckoutSession(ctx context.Context, userID string, plan types.PlanID) (string, error) {
	if s.stripe == nil {
		return "", ErrNotConfigured
	}
	if userID == "" {
		return "", ledger.ErrInvalidUser
	}
	if !plan.Valid() {
		return "", fmt.Errorf("%w: %q", ledger.ErrInvalidPlan, plan)
	}
	p := s.cfg.GetPlan(plan)
	if p == nil || p.StripePriceID == "" {
		return "", fmt.Errorf("%w: %s", ErrPlanNotForSale, plan)
	}

	customerID, err := s.ensureCustomer(ctx, userID)
	if err != nil {
		return "", err
	}
	metadata := map[string]string{metadataUserID: userID, metadataPlan: string(plan)}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(customerID),
		ClientReferenceID: stripe.String(userID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(p.StripePriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		},
		Metadata:   metadata,
		SuccessURL: stripe.String(s.cfg.Stripe.SuccessURL),
		CancelURL:  stripe.String(s.cfg.Stripe.CancelURL),
	}
	params.Context = ctx

	sess, err := s.stripe.NewCheckoutSession(params)
	if err != nil {
		logctx.FromCtx(ctx, s.log).Errorw("stripe checkout session failed", "plan", plan, "err", err)
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

// CreatePortalSession returns the customer portal URL for a user who has
// been through checkout.
func (s *Service) CreatePortalSession(ctx context.Context, userID string) (string, error) {
	if s.stripe == nil {
		return "", ErrNotConfigured
	}
	sub, err := s.ledger.GetSubscription(ctx, userID)
	if ledger.IsNotFound(err) {
		return "", ErrNoCustomer
	}
	if err != nil {
		return "", err
	}
	if sub.ProviderCustomerID == "" {
		return "", ErrNoCustomer
	}
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(sub.ProviderCustomerID),
		ReturnURL: stripe.String(s.cfg.Stripe.PortalReturnURL),
	}
	params.Context = ctx
	sess, err := s.stripe.NewPortalSession(params)
	if err != nil {
		logctx.FromCtx(ctx, s.log).Errorw("stripe portal session failed", "err", err)
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return sess.URL, nil
}

// ensureCustomer reuses the customer on the user's subscription row, or
// creates one tagged with the user id.
func (s *Service) ensureCustomer(ctx context.Context, userID string) (string, error) {
	sub, err := s.ledger.GetSubscription(ctx, userID)
	switch {
	case err == nil && sub.ProviderCustomerID != "":
		return sub.ProviderCustomerID, nil
	case err != nil && !ledger.IsNotFound(err):
		return "", err
	}
	params := &stripe.CustomerParams{
		Metadata: map[string]string{metadataUserID: userID},
	}
	params.Context = ctx
	cust, err := s.stripe.NewCustomer(params)
	if err != nil {
		return "", fmt.Errorf("create stripe customer: %w", err)
	}
	return cust.ID, nil
}
