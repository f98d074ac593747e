package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/resumecredits/docs"
	"github.com/fatflowers/resumecredits/internal/app/api/handlers"
	mw "github.com/fatflowers/resumecredits/internal/app/api/middleware"
	"github.com/fatflowers/resumecredits/internal/app/service/billing"
	"github.com/fatflowers/resumecredits/internal/app/service/ledger"
	"github.com/fatflowers/resumecredits/internal/app/service/statistics"
	"github.com/fatflowers/resumecredits/internal/platform/identity"
	cfgpkg "github.com/fatflowers/resumecredits/pkg/config"
	"github.com/fatflowers/resumecredits/pkg/metrics"
)

type routeParams struct {
	fx.In

	Engine   *gin.Engine
	Log      *zap.SugaredLogger
	Config   *cfgpkg.Config
	DB       *gorm.DB
	Ledger   ledger.Ledger
	Billing  *billing.Service
	Stats    *statistics.Service
	Verifier *identity.Verifier
}

func newEngine(cfg *cfgpkg.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	// Add request tracing middleware only; request logger & access log are attached per group in registerRoutes
	r.Use(mw.TraceMiddleware())
	r.Use(cors.New(corsConfig(cfg)))
	return r
}

func corsConfig(cfg *cfgpkg.Config) cors.Config {
	c := cors.DefaultConfig()
	c.AllowHeaders = append(c.AllowHeaders, "Authorization", mw.RequestIDHeader)
	c.ExposeHeaders = []string{mw.RequestIDHeader}
	origins := cfg.CORS.AllowOrigins
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
		c.AllowCredentials = true
	}
	return c
}

// routes is what the HTTP surface needs from the rest of the app.
type routes struct {
	ledger   ledger.Ledger
	billing  handlers.Billing
	stats    handlers.UsageStatistics
	db       handlers.Pinger
	verifier mw.TokenVerifier
	limiter  *mw.RateLimiter
}

func registerRoutes(p routeParams) {
	log, cfg := p.Log, p.Config

	// Prometheus metrics
	if cfg.MetricsAddr != "" {
		prom := metrics.NewPrometheus(metrics.NewPrometheusOptions{
			MetricsList: metrics.LedgerMetrics,
			ReqCntURLLabelMappingFn: func(c *gin.Context) string {
				if fp := c.FullPath(); fp != "" {
					return fp
				}
				return c.Request.URL.Path
			},
			Logger: log,
		})
		prom.SetListenAddressWithRouter(cfg.MetricsAddr, gin.New())
		prom.Use(p.Engine)

		log.Infow("metrics started", "addr", cfg.MetricsAddr)
	}

	deps := routes{ledger: p.Ledger, billing: p.Billing, stats: p.Stats}
	if d, err := p.DB.DB(); err == nil {
		deps.db = d
	}
	if p.Verifier != nil {
		deps.verifier = p.Verifier
	}
	if cfg.RateLimit.PerSecond > 0 {
		deps.limiter = mw.NewRateLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst)
	} else {
		log.Warnw("rate limiting disabled")
	}
	mountRoutes(p.Engine, cfg, log, deps)
}

func mountRoutes(r *gin.Engine, cfg *cfgpkg.Config, log *zap.SugaredLogger, deps routes) {
	// Public group: request logger + access log
	pub := r.Group("/")
	pub.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware(log))
	handlers.RegisterHealthRoutes(pub, deps.db)
	// Swagger UI
	docs.SwaggerInfo.BasePath = "/"
	pub.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	apiV1 := r.Group("/api/v1")
	apiV1.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware(log))
	// Stripe authenticates itself with the payload signature
	handlers.RegisterWebhookRoutes(apiV1.Group("/billing/webhook"), deps.billing, log)

	// Protected group using auth middleware
	user := apiV1.Group("")
	user.Use(mw.AuthMiddleware(deps.verifier, cfg, log))
	handlers.RegisterCreditRoutes(user.Group("/credits"), deps.ledger, deps.limiter, log)
	handlers.RegisterSubscriptionRoutes(user.Group("/subscriptions"), deps.ledger, log)
	handlers.RegisterBillingRoutes(user.Group("/billing", mw.RateLimitMiddleware(deps.limiter, log)), deps.billing, log)

	// Admin APIs
	admin := apiV1.Group("/admin")
	admin.Use(mw.AdminAuthMiddleware(cfg.Admin.Token, log))
	handlers.RegisterAdminRoutes(admin, deps.ledger, deps.stats, log)
}

func runServer(lc fx.Lifecycle, log *zap.SugaredLogger, cfg *cfgpkg.Config, r *gin.Engine) {
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Infow("starting HTTP server", "addr", addr)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Errorf("server error: %v", err)
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Infow("stopping HTTP server")
			shutdownCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

var Module = fx.Options(
	fx.Provide(newEngine),
	fx.Invoke(registerRoutes),
	fx.Invoke(runServer),
)
