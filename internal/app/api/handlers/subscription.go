package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	mw "github.com/fatflowers/resumecredits/internal/app/api/middleware"
	"github.com/fatflowers/resumecredits/internal/app/service/ledger"
	"github.com/fatflowers/resumecredits/internal/models"
)

type SubscriptionResponse struct {
	Subscription *models.Subscription `json:"subscription"`
}

// @Summary      Get subscription
// @Description  Returns the caller's subscription row. Subscriptions are provisioned by the Stripe webhook or an admin.
// @Tags         Subscriptions
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  handlers.SubscriptionResponse
// @Failure      404  {object}  handlers.ErrorResponse
// @Router       /api/v1/subscriptions [get]
func ApiGetSubscription(l ledger.Ledger, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		sub, err := l.GetSubscription(c.Request.Context(), mw.UserID(c))
		if err != nil {
			writeLedgerError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, SubscriptionResponse{Subscription: sub})
	}
}

// RegisterSubscriptionRoutes is read-only; users cannot grant themselves a plan.
func RegisterSubscriptionRoutes(r gin.IRouter, l ledger.Ledger, log *zap.SugaredLogger) {
	r.GET("", ApiGetSubscription(l, log))
}
