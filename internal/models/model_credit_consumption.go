package models

import (
	"time"

	"github.com/fatflowers/resumecredits/pkg/types"
)

// CreditConsumption is the append-only record of one successful debit. A row
// exists only when the matching decrement committed.
type CreditConsumption struct {
	ID           string        `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID       string        `gorm:"column:user_id;type:varchar(128);not null;index:idx_credit_consumption_user_time,priority:1" json:"userId"`
	Feature      types.Feature `gorm:"column:feature;type:varchar(64);not null;index" json:"feature"`
	Amount       int64         `gorm:"column:amount;not null;check:chk_credit_consumption_amount_positive,amount > 0" json:"amount"`
	BalanceAfter int64         `gorm:"column:balance_after;not null" json:"balanceAfter"`
	Description  *string       `gorm:"column:description;type:text" json:"description,omitempty"`
	TraceID      string        `gorm:"column:trace_id;type:varchar(128)" json:"traceId,omitempty"`
	Timestamp    time.Time     `gorm:"column:timestamp;not null;index:idx_credit_consumption_user_time,priority:2" json:"timestamp"`
}

func (CreditConsumption) TableName() string {
	return "credit_consumption"
}
