package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fatflowers/resumecredits/internal/app/service/ledger"
	"github.com/fatflowers/resumecredits/internal/app/service/statistics"
	"github.com/fatflowers/resumecredits/pkg/logctx"
	"github.com/fatflowers/resumecredits/pkg/response"
	"github.com/fatflowers/resumecredits/pkg/types"
)

// UsageStatistics is the part of statistics.Service the admin API uses.
type UsageStatistics interface {
	GetUsageStatistic(ctx context.Context, request *statistics.UsageStatisticRequest) (*statistics.UsageStatisticResponse, error)
}

type UserRequest struct {
	UserID string `json:"user_id"`
}

type CreateSubscriptionRequest struct {
	UserID                 string       `json:"user_id"`
	Plan                   types.PlanID `json:"plan"`
	ProviderSubscriptionID string       `json:"provider_subscription_id"`
	ProviderCustomerID     string       `json:"provider_customer_id"`
}

type RefreshUserResponse struct {
	Refreshed bool            `json:"refreshed"`
	Balance   *ledger.Balance `json:"balance"`
}

// errorCode picks the envelope code for a ledger error.
func errorCode(err error) response.APIResponseCode {
	switch {
	case ledger.IsNotFound(err):
		return response.APIResponseCodeNotFound
	case ledger.IsValidation(err):
		return response.APIResponseCodeBadRequest
	case errors.Is(err, ledger.ErrDuplicateSubscription):
		return response.APIResponseCodeConflict
	case ledger.IsRetryable(err):
		return response.APIResponseCodeUnavailable
	default:
		return response.APIResponseCodeError
	}
}

// @Summary      List consumption events (Admin)
// @Description  Retrieves a paginated and filterable list of credit consumption events.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Security     AdminToken
// @Param        request body ledger.ListConsumptionsRequest true "Filters, pagination and sorting"
// @Success      200  {object}  handlers.RespListConsumptions
// @Router       /api/v1/admin/list_consumptions [post]
func ApiListConsumptions(l ledger.Ledger, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ledger.ListConsumptionsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorMsgT[any](response.APIResponseCodeBadRequest, err.Error(), nil))
			return
		}
		res, err := l.ListConsumptions(c.Request.Context(), &req)
		if err != nil {
			logctx.FromGin(c, log).Warnw("list consumptions failed", "err", err)
			c.JSON(http.StatusOK, response.ErrorMsgT[any](errorCode(err), err.Error(), nil))
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

// @Summary      Get usage statistics (Admin)
// @Description  Retrieves daily consumption and subscription statistics.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Security     AdminToken
// @Param        request body statistics.UsageStatisticRequest true "Statistic request parameters"
// @Success      200  {object}  handlers.RespUsageStatistic
// @Router       /api/v1/admin/get_usage_statistic [post]
func ApiGetUsageStatistic(svc UsageStatistics, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req statistics.UsageStatisticRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorMsgT[any](response.APIResponseCodeBadRequest, err.Error(), nil))
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusOK, response.ErrorMsgT[any](response.APIResponseCodeBadRequest, err.Error(), nil))
			return
		}
		res, err := svc.GetUsageStatistic(c.Request.Context(), &req)
		if err != nil {
			logctx.FromGin(c, log).Errorw("usage statistic failed", "err", err)
			c.JSON(http.StatusOK, response.ErrorMsgT[any](response.APIResponseCodeError, err.Error(), nil))
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

// @Summary      Refresh a user's credits (Admin)
// @Description  Runs the monthly refresh for one user and returns the resulting balance.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Security     AdminToken
// @Param        request body handlers.UserRequest true "User"
// @Success      200  {object}  handlers.RespRefreshUser
// @Router       /api/v1/admin/refresh_user [post]
func ApiRefreshUser(l ledger.Ledger, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UserRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
			c.JSON(http.StatusOK, response.ErrorMsgT[any](response.APIResponseCodeBadRequest, "missing user_id", nil))
			return
		}
		refreshed, err := l.RefreshMonthly(c.Request.Context(), req.UserID)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorMsgT[any](errorCode(err), err.Error(), nil))
			return
		}
		bal, err := l.GetBalance(c.Request.Context(), req.UserID)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorMsgT[any](errorCode(err), err.Error(), nil))
			return
		}
		logctx.FromGin(c, log).Infow("admin refresh", "target_user", req.UserID, "refreshed", refreshed)
		c.JSON(http.StatusOK, response.OKT(&RefreshUserResponse{Refreshed: refreshed, Balance: bal}))
	}
}

// @Summary      Get a user's subscription (Admin)
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Security     AdminToken
// @Param        request body handlers.UserRequest true "User"
// @Success      200  {object}  handlers.RespSubscription
// @Router       /api/v1/admin/get_subscription [post]
func ApiAdminGetSubscription(l ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UserRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
			c.JSON(http.StatusOK, response.ErrorMsgT[any](response.APIResponseCodeBadRequest, "missing user_id", nil))
			return
		}
		sub, err := l.GetSubscription(c.Request.Context(), req.UserID)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorMsgT[any](errorCode(err), err.Error(), nil))
			return
		}
		c.JSON(http.StatusOK, response.OKT(sub))
	}
}

// @Summary      Provision a subscription (Admin)
// @Description  Puts a user on a plan with the full monthly allotment, for support cases the Stripe webhook did not cover.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Security     AdminToken
// @Param        request body handlers.CreateSubscriptionRequest true "User, plan and provider ids"
// @Success      200  {object}  handlers.RespSubscription
// @Router       /api/v1/admin/create_subscription [post]
func ApiAdminCreateSubscription(l ledger.Ledger, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateSubscriptionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorMsgT[any](response.APIResponseCodeBadRequest, err.Error(), nil))
			return
		}
		sub, err := l.CreateSubscription(c.Request.Context(), ledger.CreateSubscriptionRequest{
			UserID:                 req.UserID,
			Plan:                   req.Plan,
			ProviderSubscriptionID: req.ProviderSubscriptionID,
			ProviderCustomerID:     req.ProviderCustomerID,
		})
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorMsgT[any](errorCode(err), err.Error(), nil))
			return
		}
		logctx.FromGin(c, log).Infow("admin provisioned subscription", "target_user", req.UserID, "plan", req.Plan)
		c.JSON(http.StatusOK, response.OKT(sub))
	}
}

func RegisterAdminRoutes(r gin.IRouter, l ledger.Ledger, stats UsageStatistics, log *zap.SugaredLogger) {
	r.POST("/list_consumptions", ApiListConsumptions(l, log))
	r.POST("/get_usage_statistic", ApiGetUsageStatistic(stats, log))
	r.POST("/refresh_user", ApiRefreshUser(l, log))
	r.POST("/get_subscription", ApiAdminGetSubscription(l))
	r.POST("/create_subscription", ApiAdminCreateSubscription(l, log))
}
