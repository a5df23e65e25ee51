package db

import (
	"context"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmehdipour/webhook-gateway/internal/config"
	"github.com/jmoiron/sqlx"
)

// NewMySQL opens the ledger database. The DSN is forced to parseTime with
// UTC so DATETIME(6) columns scan into time.Time, and to clientFoundRows so
// conditional updates report matched rather than changed rows.
func NewMySQL(c config.DatabaseConfig) (*sqlx.DB, error) {
	if c.DSN == "" {
		return nil, fmt.Errorf("empty MySQL DSN")
	}
	dsn, err := normalizeMySQLDSN(c.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse MySQL DSN: %w", err)
	}
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	return db, configurePool(db, c, 5*time.Second)
}

func normalizeMySQLDSN(raw string) (string, error) {
	cfg, err := mysql.ParseDSN(raw)
	if err != nil {
		return "", err
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.ClientFoundRows = true
	return cfg.FormatDSN(), nil
}

// configurePool applies pool limits and pings; the handle is closed on failure.
func configurePool(db *sqlx.DB, c config.DatabaseConfig, defaultPing time.Duration) error {
	if c.MaxOpenConns > 0 {
		db.SetMaxOpenConns(c.MaxOpenConns)
	}
	if c.MaxIdleConns > 0 {
		db.SetMaxIdleConns(c.MaxIdleConns)
	}
	if c.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(c.ConnMaxLifetime)
	}
	if c.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(c.ConnMaxIdleTime)
	}

	timeout := c.PingTimeout
	if timeout <= 0 {
		timeout = defaultPing
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}
	return nil
}
