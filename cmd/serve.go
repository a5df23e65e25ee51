package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/db"
	httpSrv "github.com/jmehdipour/webhook-gateway/internal/http"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook admin and event API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := bootstrap()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		mysqlDB, err := db.NewMySQL(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer mysqlDB.Close()

		redisClient, err := db.NewRedis(cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		defer func() { _ = redisClient.Close() }()

		chDB, err := db.NewClickHouse(cfg.ClickHouse)
		if err != nil {
			return fmt.Errorf("clickhouse connect: %w", err)
		}
		defer func() { _ = chDB.Close() }()

		server := httpSrv.NewServer(cfg, mysqlDB, chDB, redisClient, log)

		errCh := make(chan error, 1)
		go func() {
			log.Info("starting http", zap.String("addr", cfg.HTTP.Addr))
			errCh <- server.Start(cfg.HTTP.Addr)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.Info("signal received, shutting down", zap.String("signal", sig.String()))
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server exited", zap.Error(err))
				return err
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	},
}
