package webhook_log

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/resumecredits/internal/models"
	"github.com/fatflowers/resumecredits/pkg/logctx"
	"github.com/fatflowers/resumecredits/pkg/tool"
)

// Service keeps one row per provider event id so redeliveries can be detected.
type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func New(db *gorm.DB, log *zap.SugaredLogger) *Service { return &Service{db: db, log: log} }

// Get returns the stored event, or nil when the id has not been seen.
func (s *Service) Get(ctx context.Context, eventID string) (*models.WebhookEventLog, error) {
	var row models.WebhookEventLog
	err := s.db.WithContext(ctx).Where("event_id = ?", eventID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook event %s: %w", eventID, err)
	}
	return &row, nil
}

// Save upserts the event by event id. Data is kept from the first delivery;
// status, result and user are overwritten.
func (s *Service) Save(ctx context.Context, log *models.WebhookEventLog) error {
	if log == nil {
		return nil
	}
	if log.ID == "" {
		log.ID = tool.GenerateUUIDV7()
	}
	if log.ReceivedAt.IsZero() {
		log.ReceivedAt = time.Now()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "result", "user_id", "trace_id", "updated_at"}),
	}).Create(log).Error
	if err != nil {
		logctx.FromCtx(ctx, s.log).Errorw("failed to save webhook event log", "event_id", log.EventID, "err", err)
		return fmt.Errorf("save webhook event %s: %w", log.EventID, err)
	}
	return nil
}

var Module = fx.Options(
	fx.Provide(New),
)
