package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

type AccountsRepository interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*model.Account, error)
	Upsert(ctx context.Context, tx *sqlx.Tx, a *model.Account) error
}

type AccountsRepositoryImpl struct {
	db *sqlx.DB
}

func NewAccountsRepository(db *sqlx.DB) *AccountsRepositoryImpl {
	return &AccountsRepositoryImpl{db: db}
}

var _ AccountsRepository = (*AccountsRepositoryImpl)(nil)

// GetByAPIKey returns (nil, nil) for an unknown key.
func (r *AccountsRepositoryImpl) GetByAPIKey(ctx context.Context, apiKey string) (*model.Account, error) {
	var a model.Account
	err := r.db.GetContext(ctx, &a, `
		SELECT id, name, api_key, status, rate_limit_rps, created_at, updated_at
		  FROM accounts
		 WHERE api_key = ? LIMIT 1
	`, apiKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Upsert is keyed on the unique api_key.
func (r *AccountsRepositoryImpl) Upsert(ctx context.Context, tx *sqlx.Tx, a *model.Account) error {
	const q = `
		INSERT INTO accounts
		    (name, api_key, status, rate_limit_rps, created_at, updated_at)
		VALUES
		    (?, ?, ?, ?, NOW(6), NOW(6))
		ON DUPLICATE KEY UPDATE
		    name           = VALUES(name),
		    status         = VALUES(status),
		    rate_limit_rps = VALUES(rate_limit_rps),
		    updated_at     = NOW(6)
	`
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, a.Name, a.APIKey, a.Status, a.RateLimitRPS)
		return err
	})
}
