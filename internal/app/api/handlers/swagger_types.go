package handlers

import (
	"github.com/fatflowers/resumecredits/internal/app/service/ledger"
	"github.com/fatflowers/resumecredits/internal/app/service/statistics"
	"github.com/fatflowers/resumecredits/internal/models"
	"github.com/fatflowers/resumecredits/pkg/response"
)

// RespListConsumptions wraps ListConsumptionsResult in the standard envelope.
type RespListConsumptions struct {
	Code    response.APIResponseCode      `json:"code"`
	Message string                        `json:"message"`
	Data    ledger.ListConsumptionsResult `json:"data"`
}

// RespUsageStatistic wraps UsageStatisticResponse in the standard envelope.
type RespUsageStatistic struct {
	Code    response.APIResponseCode          `json:"code"`
	Message string                            `json:"message"`
	Data    statistics.UsageStatisticResponse `json:"data"`
}

type RespRefreshUser struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    RefreshUserResponse      `json:"data"`
}

type RespSubscription struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    models.Subscription      `json:"data"`
}
