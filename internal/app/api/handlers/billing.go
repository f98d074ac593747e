package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	mw "github.com/fatflowers/resumecredits/internal/app/api/middleware"
	"github.com/fatflowers/resumecredits/internal/app/service/billing"
	"github.com/fatflowers/resumecredits/internal/app/service/ledger"
	"github.com/fatflowers/resumecredits/pkg/logctx"
	"github.com/fatflowers/resumecredits/pkg/types"
)

const stripeSignatureHeader = "Stripe-Signature"

// Billing is the part of billing.Service the HTTP layer uses.
type Billing interface {
	CreateCheckoutSession(ctx context.Context, userID string, plan types.PlanID) (string, error)
	CreatePortalSession(ctx context.Context, userID string) (string, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) (*billing.WebhookResult, error)
}

type CheckoutRequest struct {
	Plan types.PlanID `json:"plan"`
}

type SessionResponse struct {
	URL string `json:"url"`
}

// @Summary      Start checkout
// @Description  Creates a Stripe Checkout session for a plan and returns its URL.
// @Tags         Billing
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        request body handlers.CheckoutRequest true "Plan to buy"
// @Success      200  {object}  handlers.SessionResponse
// @Failure      400  {object}  handlers.ErrorResponse
// @Failure      503  {object}  handlers.ErrorResponse
// @Router       /api/v1/billing/checkout [post]
func ApiCreateCheckout(b Billing, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CheckoutRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
			return
		}
		url, err := b.CreateCheckoutSession(c.Request.Context(), mw.UserID(c), req.Plan)
		if err != nil {
			writeBillingError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, SessionResponse{URL: url})
	}
}

// @Summary      Open billing portal
// @Description  Creates a Stripe customer portal session for the caller.
// @Tags         Billing
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  handlers.SessionResponse
// @Failure      404  {object}  handlers.ErrorResponse
// @Failure      503  {object}  handlers.ErrorResponse
// @Router       /api/v1/billing/portal [post]
func ApiCreatePortal(b Billing, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		url, err := b.CreatePortalSession(c.Request.Context(), mw.UserID(c))
		if err != nil {
			writeBillingError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, SessionResponse{URL: url})
	}
}

// @Summary      Stripe webhook
// @Description  Receives signed Stripe events. Non-2xx responses make Stripe retry.
// @Tags         Billing
// @Accept       json
// @Produce      json
// @Param        Stripe-Signature header string true "Stripe signature"
// @Success      200  {object}  billing.WebhookResult
// @Failure      400  {object}  handlers.ErrorResponse
// @Failure      500  {object}  handlers.ErrorResponse
// @Router       /api/v1/billing/webhook/stripe [post]
func ApiStripeWebhook(b Billing, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// one byte over the cap lets the service see oversized payloads
		payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 65537))
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "failed to read body"})
			return
		}
		res, err := b.HandleWebhook(c.Request.Context(), payload, c.GetHeader(stripeSignatureHeader))
		if err != nil {
			switch {
			case errors.Is(err, billing.ErrInvalidSignature), errors.Is(err, billing.ErrInvalidPayload):
				c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			case errors.Is(err, billing.ErrNotConfigured):
				c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
			default:
				logctx.FromGin(c, log).Errorw("stripe webhook failed", "err", err)
				c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "webhook processing failed"})
			}
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func writeBillingError(c *gin.Context, log *zap.SugaredLogger, err error) {
	switch {
	case errors.Is(err, billing.ErrNotConfigured):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
	case errors.Is(err, billing.ErrNoCustomer):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.Is(err, billing.ErrPlanNotForSale), errors.Is(err, ledger.ErrInvalidPlan), errors.Is(err, ledger.ErrInvalidUser):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	default:
		writeLedgerError(c, log, err)
	}
}

func RegisterBillingRoutes(r gin.IRouter, b Billing, log *zap.SugaredLogger) {
	r.POST("/checkout", ApiCreateCheckout(b, log))
	r.POST("/portal", ApiCreatePortal(b, log))
}

func RegisterWebhookRoutes(r gin.IRouter, b Billing, log *zap.SugaredLogger) {
	r.POST("/stripe", ApiStripeWebhook(b, log))
}
