package models

import (
	"time"

	"gorm.io/datatypes"
)

type WebhookEventStatus string

const (
	WebhookEventStatusReceived     WebhookEventStatus = "received"
	WebhookEventStatusHandled      WebhookEventStatus = "handled"
	WebhookEventStatusHandleFailed WebhookEventStatus = "handle_failed"
	WebhookEventStatusIgnored      WebhookEventStatus = "ignored"
)

// Done reports whether a redelivery of the event can be acknowledged without
// running it again.
func (s WebhookEventStatus) Done() bool {
	return s == WebhookEventStatusHandled || s == WebhookEventStatusIgnored
}

// WebhookEventLog is one row per payment provider event id.
type WebhookEventLog struct {
	ID         string             `gorm:"column:id;type:uuid;primary_key" json:"id"`
	Provider   string             `gorm:"column:provider;type:varchar(32);not null" json:"provider"`
	EventID    string             `gorm:"column:event_id;type:varchar(128);not null;uniqueIndex" json:"eventId"`
	EventType  string             `gorm:"column:event_type;type:varchar(128);not null" json:"eventType"`
	UserID     *string            `gorm:"column:user_id;type:varchar(128)" json:"userId"`
	TraceID    string             `gorm:"column:trace_id;type:varchar(128)" json:"traceId"`
	ReceivedAt time.Time          `gorm:"column:received_at" json:"receivedAt"`
	Data       datatypes.JSON     `gorm:"column:data;type:jsonb" json:"data"`
	Result     *datatypes.JSON    `gorm:"column:result;type:jsonb" json:"result"`
	Status     WebhookEventStatus `gorm:"column:status;type:varchar(32);not null" json:"status"`
	CreatedAt  time.Time          `json:"createdAt"`
	UpdatedAt  time.Time          `json:"updatedAt"`
}

func (WebhookEventLog) TableName() string { return "webhook_event_log" }
