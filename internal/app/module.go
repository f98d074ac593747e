package app

import (
	"time"

	"go.uber.org/fx"

	"github.com/fatflowers/resumecredits/internal/app/api/server"
	"github.com/fatflowers/resumecredits/internal/app/service/billing"
	"github.com/fatflowers/resumecredits/internal/app/service/ledger"
	"github.com/fatflowers/resumecredits/internal/app/service/statistics"
	webhooklog "github.com/fatflowers/resumecredits/internal/app/service/webhook_log"
	"github.com/fatflowers/resumecredits/internal/platform/cache"
	"github.com/fatflowers/resumecredits/internal/platform/db"
	"github.com/fatflowers/resumecredits/internal/platform/identity"
	"github.com/fatflowers/resumecredits/internal/platform/mq"
	"github.com/fatflowers/resumecredits/pkg/config"
	"github.com/fatflowers/resumecredits/pkg/logger"
)

const (
	DefaultStartTimeout = 15 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

var Module = fx.Options(
	logger.Module,
	config.Module,
	db.Module,
	cache.Module,
	mq.Module,
	identity.Module,
	ledger.Module,
	webhooklog.Module,
	billing.Module,
	statistics.Module,
	server.Module,
)
