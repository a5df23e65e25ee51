package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/cache"
	"github.com/jmehdipour/webhook-gateway/internal/config"
	"github.com/jmehdipour/webhook-gateway/internal/http/middleware"
	"github.com/jmehdipour/webhook-gateway/internal/metrics"
	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/registry"
	"github.com/jmehdipour/webhook-gateway/internal/repository"
	"github.com/jmehdipour/webhook-gateway/internal/service/events"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DeliveryLister is the read side of the delivery ledger the API exposes.
type DeliveryLister interface {
	ListDeliveries(ctx context.Context, subscriptionID string, limit, offset int) ([]model.DeliveryRecord, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, accountID int64, eventType, eventID string, data json.RawMessage) (model.Event, error)
}

// Deps are the collaborators behind the API routes.
type Deps struct {
	Accounts   middleware.AccountLookup
	Registry   *registry.Registry
	Deliveries DeliveryLister
	Events     EventPublisher
	Reports    repository.CHDeliveriesRepository
	Redis      *redis.Client
	RateLimit  int
	Log        *zap.Logger
}

type Server struct{ e *echo.Echo }

// NewServer wires the MySQL ledger, the ClickHouse reports and the Redis
// cache/limiter behind the API.
func NewServer(cfg config.Config, mysqlDB, clickhouseDB *sqlx.DB, rds *redis.Client, logger *zap.Logger) *Server {
	// repos (MySQL)
	ledger := repository.NewLedger(mysqlDB)
	accountsRepo := repository.NewAccountsRepository(mysqlDB)
	outboxRepo := repository.NewOutboxRepository(mysqlDB)

	// repos (ClickHouse)
	chDeliveriesRepo := repository.NewCHDeliveriesRepository(clickhouseDB)

	subCache := cache.NewSubscriptions(rds, cache.Options{TTL: cfg.Cache.TTL, KeyPrefix: cfg.Cache.KeyPrefix})

	metrics.MustRegister(prometheus.DefaultRegisterer)

	return newServer(Deps{
		Accounts:   accountsRepo,
		Registry:   registry.New(ledger, subCache, cfg.Policy(), logger),
		Deliveries: ledger,
		Events:     events.New(outboxRepo, cfg.Kafka.EventsTopic),
		Reports:    chDeliveriesRepo,
		Redis:      rds,
		RateLimit:  cfg.RateLimit.RPS,
		Log:        logger,
	})
}

func newServer(d Deps) *Server {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}

	// echo
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(log.WARN)
	e.Use(echoMid.Recover(), echoMid.RequestID())

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// middlewares
	authMW := middleware.APIKeyMiddleware(d.Accounts)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          d.Redis,
		DefaultRPS:     d.RateLimit,
		KeyPrefix:      middleware.DefaultRateLimitPrefix,
		Window:         time.Second,
		RetryAfterHint: true,
	})

	// routes
	v1 := e.Group("/v1", authMW, rlMW)
	v1.POST("/webhooks", createWebhookHandler(d.Registry, d.Log))
	v1.GET("/webhooks", listWebhooksHandler(d.Registry, d.Log))
	v1.GET("/webhooks/:id", getWebhookHandler(d.Registry, d.Log))
	v1.PUT("/webhooks/:id", updateWebhookHandler(d.Registry, d.Log))
	v1.DELETE("/webhooks/:id", deleteWebhookHandler(d.Registry, d.Log))
	v1.GET("/webhooks/:id/deliveries", listDeliveriesHandler(d.Registry, d.Deliveries, d.Log))
	v1.POST("/events", publishEventHandler(d.Events, d.Log))
	v1.GET("/reports/deliveries", listDeliveryReportsHandler(d.Reports, d.Log))
	v1.GET("/reports/deliveries/summary", deliverySummaryHandler(d.Reports, d.Log))

	return &Server{e: e}
}

func (s *Server) Start(addr string) error {
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

// ServeHTTP lets tests drive the router without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.e.ServeHTTP(w, r) }
