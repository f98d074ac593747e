package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
	"gorm.io/datatypes"

	"github.com/fatflowers/resumecredits/internal/app/service/ledger"
	"github.com/fatflowers/resumecredits/internal/models"
	"github.com/fatflowers/resumecredits/pkg/logctx"
	"github.com/fatflowers/resumecredits/pkg/metrics"
	"github.com/fatflowers/resumecredits/pkg/types"
)

const (
	eventCheckoutCompleted   = "checkout.session.completed"
	eventSubscriptionUpdated = "customer.subscription.updated"
	eventSubscriptionDeleted = "customer.subscription.deleted"
	maxWebhookPayloadBytes   = 65536
)

// WebhookResult describes what happened to one delivery.
type WebhookResult struct {
	EventID   string                    `json:"eventId"`
	EventType string                    `json:"eventType"`
	Status    models.WebhookEventStatus `json:"status"`
	// Duplicate is set when the event had already been processed.
	Duplicate bool `json:"duplicate"`
}

// outcome is what a single event handler did.
type outcome struct {
	userID       string
	subscription *models.Subscription
	ignored      string
}

// HandleWebhook verifies and applies one Stripe event. An error means the
// delivery should be retried by Stripe; events that can never succeed are
// recorded and acknowledged.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	secret := s.cfg.Stripe.WebhookSecret
	if secret == "" {
		return nil, ErrNotConfigured
	}
	if len(payload) > maxWebhookPayloadBytes {
		return nil, fmt.Errorf("%w: payload too large", ErrInvalidPayload)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		logctx.FromCtx(ctx, s.log).Warnw("stripe webhook rejected", "err", err)
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	lg := logctx.FromCtx(ctx, s.log).With("event_id", event.ID, "event_type", event.Type)
	eventType := string(event.Type)

	prev, err := s.events.Get(ctx, event.ID)
	if err != nil {
		return nil, err
	}
	if prev != nil && prev.Status.Done() {
		lg.Infow("stripe webhook redelivered, skipping", "status", prev.Status)
		metrics.Inc(metrics.MetricsWebhookEvents, eventType, "duplicate")
		return &WebhookResult{EventID: event.ID, EventType: eventType, Status: prev.Status, Duplicate: true}, nil
	}

	entry := &models.WebhookEventLog{
		Provider:   ProviderStripe,
		EventID:    event.ID,
		EventType:  eventType,
		TraceID:    logctx.TraceID(ctx),
		ReceivedAt: time.Now(),
		Data:       datatypes.JSON(payload),
		Status:     models.WebhookEventStatusReceived,
	}
	if err := s.events.Save(ctx, entry); err != nil {
		return nil, err
	}

	var out outcome
	var handleErr error
	switch event.Type {
	case eventCheckoutCompleted:
		out, handleErr = s.onCheckoutCompleted(ctx, event.Data.Raw)
	case eventSubscriptionUpdated:
		out, handleErr = s.onSubscriptionChanged(ctx, event.Data.Raw, false)
	case eventSubscriptionDeleted:
		out, handleErr = s.onSubscriptionChanged(ctx, event.Data.Raw, true)
	default:
		out.ignored = "unhandled event type"
	}

	status := models.WebhookEventStatusHandled
	switch {
	case handleErr != nil && retryable(handleErr):
		status = models.WebhookEventStatusHandleFailed
	case handleErr != nil:
		// permanent failures are acknowledged so Stripe stops retrying
		status = models.WebhookEventStatusIgnored
		out.ignored = handleErr.Error()
	case out.ignored != "":
		status = models.WebhookEventStatusIgnored
	}

	result := map[string]any{"subscription": out.subscription}
	if out.ignored != "" {
		result["reason"] = out.ignored
	}
	if handleErr != nil {
		result["error"] = handleErr.Error()
	}
	resBytes, _ := json.Marshal(result)
	entry.Status = status
	entry.Result = lo.ToPtr(datatypes.JSON(resBytes))
	if out.userID != "" {
		entry.UserID = lo.ToPtr(out.userID)
	}
	if err := s.events.Save(ctx, entry); err != nil {
		lg.Errorw("failed to record webhook outcome", "status", status, "err", err)
	}

	metrics.Inc(metrics.MetricsWebhookEvents, eventType, string(status))
	if status == models.WebhookEventStatusHandleFailed {
		lg.Errorw("stripe webhook handling failed", "err", handleErr)
		return nil, handleErr
	}
	lg.Infow("stripe webhook processed", "status", status, "user_id", out.userID, "reason", out.ignored)
	return &WebhookResult{EventID: event.ID, EventType: eventType, Status: status}, nil
}

func (s *Service) onCheckoutCompleted(ctx context.Context, raw json.RawMessage) (outcome, error) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return outcome{}, fmt.Errorf("%w: checkout session: %w", ErrInvalidPayload, err)
	}
	if sess.Mode != "" && sess.Mode != stripe.CheckoutSessionModeSubscription {
		return outcome{ignored: "not a subscription checkout"}, nil
	}
	userID := sess.Metadata[metadataUserID]
	if userID == "" {
		userID = sess.ClientReferenceID
	}
	if userID == "" {
		return outcome{}, fmt.Errorf("%w: checkout session %s has no user", ErrInvalidPayload, sess.ID)
	}
	plan, err := types.ParsePlan(sess.Metadata[metadataPlan])
	if err != nil {
		return outcome{userID: userID}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	req := ledger.CreateSubscriptionRequest{UserID: userID, Plan: plan}
	if sess.Subscription != nil {
		req.ProviderSubscriptionID = sess.Subscription.ID
		req.Period = periodOf(sess.Subscription)
	}
	if sess.Customer != nil {
		req.ProviderCustomerID = sess.Customer.ID
	}
	sub, err := s.ledger.CreateSubscription(ctx, req)
	return outcome{userID: userID, subscription: sub}, err
}

func (s *Service) onSubscriptionChanged(ctx context.Context, raw json.RawMessage, deleted bool) (outcome, error) {
	var ss stripe.Subscription
	if err := json.Unmarshal(raw, &ss); err != nil {
		return outcome{}, fmt.Errorf("%w: subscription: %w", ErrInvalidPayload, err)
	}
	userID := ss.Metadata[metadataUserID]
	update := ledger.ProviderUpdate{
		ProviderSubscriptionID: ss.ID,
		Status:                 mapStatus(ss.Status),
	}
	if deleted {
		update.Status = types.SubscriptionStatusCanceled
	} else {
		update.Plan = s.planOf(&ss)
		update.Period = periodOf(&ss)
	}
	sub, err := s.ledger.UpdateStatusByProvider(ctx, update)
	if ledger.IsNotFound(err) {
		return outcome{userID: userID, ignored: "unknown subscription " + ss.ID}, nil
	}
	if sub != nil {
		userID = sub.UserID
	}
	return outcome{userID: userID, subscription: sub}, err
}

// planOf resolves the plan from the first price, falling back to metadata.
func (s *Service) planOf(ss *stripe.Subscription) types.PlanID {
	if ss.Items != nil {
		for _, item := range ss.Items.Data {
			if item == nil || item.Price == nil {
				continue
			}
			if p := s.cfg.GetPlanByStripePriceID(item.Price.ID); p != nil {
				return p.ID
			}
		}
	}
	if p, err := types.ParsePlan(ss.Metadata[metadataPlan]); err == nil {
		return p
	}
	return ""
}

func periodOf(ss *stripe.Subscription) *types.BillingPeriod {
	if ss == nil || ss.CurrentPeriodStart == 0 || ss.CurrentPeriodEnd <= ss.CurrentPeriodStart {
		return nil
	}
	return &types.BillingPeriod{
		Start: time.Unix(ss.CurrentPeriodStart, 0).UTC(),
		End:   time.Unix(ss.CurrentPeriodEnd, 0).UTC(),
	}
}

func mapStatus(s stripe.SubscriptionStatus) types.SubscriptionStatus {
	switch s {
	case stripe.SubscriptionStatusActive:
		return types.SubscriptionStatusActive
	case stripe.SubscriptionStatusTrialing:
		return types.SubscriptionStatusTrialing
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusPaused:
		return types.SubscriptionStatusPastDue
	case stripe.SubscriptionStatusUnpaid:
		return types.SubscriptionStatusUnpaid
	case stripe.SubscriptionStatusIncomplete:
		return types.SubscriptionStatusIncomplete
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return types.SubscriptionStatusCanceled
	}
	return ""
}

// retryable separates transient failures from requests that will never
// succeed, such as a malformed payload or a conflicting subscription.
func retryable(err error) bool {
	return !errors.Is(err, ErrInvalidPayload) &&
		!errors.Is(err, ledger.ErrDuplicateSubscription) &&
		!ledger.IsValidation(err)
}
