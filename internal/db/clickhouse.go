package db

import (
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmehdipour/webhook-gateway/internal/config"
	"github.com/jmoiron/sqlx"
)

// NewClickHouse opens the reporting database,
// e.g. clickhouse://default:@localhost:9000/whgw?dial_timeout=5s&compress=true
func NewClickHouse(c config.DatabaseConfig) (*sqlx.DB, error) {
	if c.DSN == "" {
		return nil, fmt.Errorf("empty ClickHouse DSN")
	}
	db, err := sqlx.Open("clickhouse", c.DSN)
	if err != nil {
		return nil, err
	}
	return db, configurePool(db, c, 3*time.Second)
}
