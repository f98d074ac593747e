package models

import (
	"time"

	"github.com/fatflowers/resumecredits/pkg/types"
	"gorm.io/datatypes"
)

// SubscriptionLog records changes to user subscriptions.
// Use case: troubleshooting.
type SubscriptionLog struct {
	ID     string `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID string `gorm:"column:user_id;type:varchar(128);index:idx_subscription_log_user_id,priority:1;not null" json:"userId"`
	// Reason is the change reason.
	Reason types.SubscriptionChangeReason `gorm:"column:reason;type:varchar(64);not null" json:"reason"`
	// Before is nil when the row was created.
	Before datatypes.JSONType[*Subscription] `gorm:"column:before;type:jsonb;default:'null'" json:"before"`
	After  datatypes.JSONType[*Subscription] `gorm:"column:after;type:jsonb;default:'null'" json:"after"`
	// Extra stores additional context such as the trigger source and trace id.
	Extra     datatypes.JSONMap `gorm:"column:extra;type:jsonb;default:'{}'" json:"extra"`
	CreatedAt time.Time         `gorm:"index:idx_subscription_log_user_id,priority:2" json:"createdAt"`
}

func (SubscriptionLog) TableName() string {
	return "subscription_log"
}
