package model

import "time"

type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
)

// Account owns subscriptions and authenticates API calls by key.
type Account struct {
	ID           int64         `db:"id"`
	Name         string        `db:"name"`
	APIKey       string        `db:"api_key"`
	Status       AccountStatus `db:"status"`         // active|suspended
	RateLimitRPS *int          `db:"rate_limit_rps"` // nullable
	CreatedAt    time.Time     `db:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at"`
}
