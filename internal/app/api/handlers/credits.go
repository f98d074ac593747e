package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	mw "github.com/fatflowers/resumecredits/internal/app/api/middleware"
	"github.com/fatflowers/resumecredits/internal/app/service/ledger"
	"github.com/fatflowers/resumecredits/internal/models"
	"github.com/fatflowers/resumecredits/pkg/logctx"
	"github.com/fatflowers/resumecredits/pkg/types"
)

type BalanceResponse struct {
	Plan             types.PlanID             `json:"plan"`
	Status           types.SubscriptionStatus `json:"status"`
	Credits          int64                    `json:"credits"`
	RemainingCredits int64                    `json:"remainingCredits"`
	Allotment        int64                    `json:"allotment"`
	PeriodStart      time.Time                `json:"periodStart"`
	PeriodEnd        time.Time                `json:"periodEnd"`
}

type CheckResponse struct {
	Allowed bool `json:"allowed"`
}

type ConsumeRequest struct {
	Feature     types.Feature `json:"feature"`
	Amount      int64         `json:"amount"`
	Description *string       `json:"description"`
}

type ConsumeResponse struct {
	Success          bool   `json:"success"`
	RemainingCredits int64  `json:"remainingCredits"`
	EventID          string `json:"eventId,omitempty"`
}

// ConsumeFailure is returned with 402 when the debit was refused.
type ConsumeFailure struct {
	Success         bool   `json:"success"`
	Error           string `json:"error"`
	CurrentCredits  *int64 `json:"currentCredits,omitempty"`
	RequiredCredits *int64 `json:"requiredCredits,omitempty"`
}

type RefreshResponse struct {
	Success bool `json:"success"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type HistoryResponse struct {
	Items []*models.CreditConsumption `json:"items"`
	Total int64                       `json:"total"`
}

// @Summary      Get credit balance
// @Description  Returns the caller's plan and remaining credits, resetting them first when the billing period has ended.
// @Tags         Credits
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  handlers.BalanceResponse
// @Failure      401  {object}  handlers.ErrorResponse
// @Failure      404  {object}  handlers.ErrorResponse
// @Router       /api/v1/credits/balance [get]
func ApiGetBalance(l ledger.Ledger, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		bal, err := l.GetBalance(c.Request.Context(), mw.UserID(c))
		if err != nil {
			writeLedgerError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, &BalanceResponse{
			Plan:             bal.Plan,
			Status:           bal.Status,
			Credits:          bal.Credits,
			RemainingCredits: bal.Credits,
			Allotment:        bal.Allotment,
			PeriodStart:      bal.PeriodStart,
			PeriodEnd:        bal.PeriodEnd,
		})
	}
}

// @Summary      Check credits
// @Description  Reports whether consuming amount credits for feature would succeed right now.
// @Tags         Credits
// @Produce      json
// @Security     BearerAuth
// @Param        feature  query  string  true   "Feature name"
// @Param        amount   query  int     false  "Credits to check (default 1)"
// @Success      200  {object}  handlers.CheckResponse
// @Failure      400  {object}  handlers.ErrorResponse
// @Router       /api/v1/credits/check [get]
func ApiCheckCredits(l ledger.Ledger, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		amount := int64(1)
		if v := c.Query("amount"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid amount"})
				return
			}
			amount = n
		}
		ok, err := l.CanConsume(c.Request.Context(), mw.UserID(c), types.Feature(c.Query("feature")), amount)
		if err != nil {
			writeLedgerError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, CheckResponse{Allowed: ok})
	}
}

// @Summary      Consume credits
// @Description  Debits credits for a feature. The balance never goes negative; a refused debit changes nothing.
// @Tags         Credits
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        request body handlers.ConsumeRequest true "Feature and amount"
// @Success      200  {object}  handlers.ConsumeResponse
// @Failure      400  {object}  handlers.ErrorResponse
// @Failure      402  {object}  handlers.ConsumeFailure
// @Failure      503  {object}  handlers.ConsumeFailure
// @Router       /api/v1/credits/consume [post]
func ApiConsumeCredits(l ledger.Ledger, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ConsumeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ConsumeFailure{Error: "invalid request body"})
			return
		}
		res, err := l.Consume(c.Request.Context(), ledger.ConsumeRequest{
			UserID:      mw.UserID(c),
			Feature:     req.Feature,
			Amount:      req.Amount,
			Description: req.Description,
			TraceID:     logctx.TraceID(c.Request.Context()),
		})
		if err != nil {
			var insufficient *ledger.InsufficientCreditsError
			switch {
			case errors.As(err, &insufficient):
				c.JSON(http.StatusPaymentRequired, ConsumeFailure{
					Error:           "insufficient credits",
					CurrentCredits:  &insufficient.Current,
					RequiredCredits: &insufficient.Required,
				})
			case errors.Is(err, ledger.ErrNoActiveSubscription):
				c.JSON(http.StatusPaymentRequired, ConsumeFailure{Error: err.Error()})
			case ledger.IsValidation(err):
				c.JSON(http.StatusBadRequest, ConsumeFailure{Error: err.Error()})
			case ledger.IsRetryable(err):
				logctx.FromGin(c, log).Errorw("consume failed", "err", err)
				c.JSON(http.StatusServiceUnavailable, ConsumeFailure{Error: "temporarily unavailable, retry later"})
			default:
				logctx.FromGin(c, log).Errorw("consume failed", "err", err)
				c.JSON(http.StatusInternalServerError, ConsumeFailure{Error: "internal error"})
			}
			return
		}
		c.JSON(http.StatusOK, ConsumeResponse{Success: true, RemainingCredits: res.RemainingCredits, EventID: res.EventID})
	}
}

// @Summary      Refresh credits
// @Description  Resets the caller's credits to the plan allotment if the billing period has ended.
// @Tags         Credits
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  handlers.RefreshResponse
// @Router       /api/v1/credits/refresh [post]
func ApiRefreshCredits(l ledger.Ledger, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := l.RefreshMonthly(c.Request.Context(), mw.UserID(c))
		if err != nil {
			writeLedgerError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, RefreshResponse{Success: ok})
	}
}

// @Summary      Consumption history
// @Description  Lists the caller's consumption events, newest first.
// @Tags         Credits
// @Produce      json
// @Security     BearerAuth
// @Param        from  query  int  false  "Offset"
// @Param        size  query  int  false  "Page size (max 200)"
// @Success      200  {object}  handlers.HistoryResponse
// @Failure      400  {object}  handlers.ErrorResponse
// @Router       /api/v1/credits/history [get]
func ApiConsumptionHistory(l ledger.Ledger, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		from, err := intQuery(c, "from")
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid from"})
			return
		}
		size, err := intQuery(c, "size")
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid size"})
			return
		}
		res, err := l.ListConsumptions(c.Request.Context(), &ledger.ListConsumptionsRequest{
			Filters:  []*types.CommonFilter{{Field: "user_id", Operator: types.CommonFilterOperatorEq, Values: []any{mw.UserID(c)}}},
			From:     from,
			Size:     size,
			SortBy:   "timestamp",
			SortDesc: true,
		})
		if err != nil {
			writeLedgerError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, HistoryResponse{Items: res.Items, Total: res.Total})
	}
}

// intQuery parses an optional non-negative integer query parameter; absent means 0.
func intQuery(c *gin.Context, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return n, nil
}

// writeLedgerError maps ledger errors onto the flat {error} body.
func writeLedgerError(c *gin.Context, log *zap.SugaredLogger, err error) {
	switch {
	case ledger.IsNotFound(err):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no subscription for user"})
	case errors.Is(err, ledger.ErrDuplicateSubscription):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	case errors.Is(err, ledger.ErrNoActiveSubscription):
		c.JSON(http.StatusPaymentRequired, ErrorResponse{Error: err.Error()})
	case ledger.IsValidation(err):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case ledger.IsRetryable(err):
		logctx.FromGin(c, log).Errorw("ledger storage failure", "err", err)
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "temporarily unavailable, retry later"})
	default:
		logctx.FromGin(c, log).Errorw("ledger request failed", "err", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}

func RegisterCreditRoutes(r gin.IRouter, l ledger.Ledger, limiter *mw.RateLimiter, log *zap.SugaredLogger) {
	r.GET("/balance", ApiGetBalance(l, log))
	r.GET("/check", ApiCheckCredits(l, log))
	r.POST("/consume", mw.RateLimitMiddleware(limiter, log), ApiConsumeCredits(l, log))
	r.POST("/refresh", ApiRefreshCredits(l, log))
	r.GET("/history", ApiConsumptionHistory(l, log))
}
