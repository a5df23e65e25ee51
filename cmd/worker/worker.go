package worker

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/cache"
	"github.com/jmehdipour/webhook-gateway/internal/config"
	"github.com/jmehdipour/webhook-gateway/internal/db"
	"github.com/jmehdipour/webhook-gateway/internal/dispatcher"
	"github.com/jmehdipour/webhook-gateway/internal/logger"
	"github.com/jmehdipour/webhook-gateway/internal/metrics"
	"github.com/jmehdipour/webhook-gateway/internal/registry"
	"github.com/jmehdipour/webhook-gateway/internal/repository"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var metricsAddr string

// NewWorkerCmd returns the parent "worker" command.
func NewWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run background workers",
	}
	cmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", ":9101", "address for /metrics (empty disables)")

	// attach subcommands
	cmd.AddCommand(newRetryCmd())
	cmd.AddCommand(newIntakeCmd())

	return cmd
}

// engine is the delivery stack shared by the retry and intake workers.
type engine struct {
	cfg      config.Config
	log      *zap.Logger
	ledger   *repository.Ledger
	registry *registry.Registry
	executor *dispatcher.Executor
	closers  []func() error
}

func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i]()
	}
	_ = e.log.Sync()
}

func newEngine(cmd *cobra.Command) (*engine, error) {
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(cfg.Log.Level); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	log := logger.Log
	e := &engine{cfg: cfg, log: log}

	metrics.MustRegister(prometheus.DefaultRegisterer)
	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("metrics listener stopped", zap.Error(err))
			}
		}()
		e.closers = append(e.closers, srv.Close)
	}

	dbx, err := db.NewMySQL(cfg.MySQL)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("mysql connect: %w", err)
	}
	e.closers = append(e.closers, dbx.Close)
	e.ledger = repository.NewLedger(dbx)

	// The cache only saves lookups; run without it when Redis is down.
	var subCache registry.Cache
	rdb, err := db.NewRedis(cfg.Redis)
	if err != nil {
		log.Warn("redis unavailable, subscription cache disabled", zap.Error(err))
	} else {
		e.closers = append(e.closers, rdb.Close)
		subCache = newCache(rdb, cfg.Cache)
	}
	e.registry = registry.New(e.ledger, subCache, cfg.Policy(), log)

	e.executor = dispatcher.NewExecutor(e.ledger, dispatcher.Options{
		UserAgent:            cfg.Delivery.UserAgent,
		MaxResponseBodyBytes: cfg.Delivery.MaxResponseBodyBytes,
		Breakers:             dispatcher.NewBreakerSet(cfg.Delivery.Breaker.FailThreshold, cfg.BreakerOpenFor(), nil),
		Logger:               log,
		OnCommitted:          e.registry.Invalidate,
	})
	return e, nil
}

func newCache(rdb *redis.Client, c config.CacheConfig) *cache.Subscriptions {
	return cache.NewSubscriptions(rdb, cache.Options{TTL: c.TTL, KeyPrefix: c.KeyPrefix})
}

func defaultWorkerID(prefix string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%s-%d", prefix, host, os.Getpid())
}
