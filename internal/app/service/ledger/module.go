package ledger

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/resumecredits/internal/platform/cache"
	"github.com/fatflowers/resumecredits/internal/platform/mq"
	"github.com/fatflowers/resumecredits/pkg/config"
)

func newStore(db *gorm.DB) Store {
	return NewPostgresStore(db)
}

func newLedger(store Store, c cache.Cache, publisher mq.Publisher, cfg *config.Config, log *zap.SugaredLogger) Ledger {
	return NewService(store, c, publisher, cfg, log)
}

// Module exposes the ledger and its refresh sweeper via Fx.
var Module = fx.Options(
	fx.Provide(newStore),
	fx.Provide(newLedger),
	fx.Provide(NewRefresher),
	fx.Invoke(registerRefresher),
)
