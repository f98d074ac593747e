package billing

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/resumecredits/internal/app/service/ledger"
	webhooklog "github.com/fatflowers/resumecredits/internal/app/service/webhook_log"
	"github.com/fatflowers/resumecredits/pkg/config"
)

func newService(cfg *config.Config, l ledger.Ledger, events *webhooklog.Service, log *zap.SugaredLogger) *Service {
	var api StripeAPI
	if cfg.Stripe.SecretKey != "" {
		api = NewStripeClient(cfg.Stripe.SecretKey)
	} else {
		log.Warnw("stripe secret key not set; checkout and portal are disabled")
	}
	return NewService(cfg, api, l, events, log)
}

var Module = fx.Options(
	fx.Provide(newService),
)
