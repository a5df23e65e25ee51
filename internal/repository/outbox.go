package repository

import (
	"context"

	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// OutboxRepository defines persistence methods for the outbox table.
type OutboxRepository interface {
	// Insert writes a single outbox event. If tx is nil, it will open/commit
	// an internal transaction; otherwise it uses the given tx.
	Insert(ctx context.Context, tx *sqlx.Tx, ev *model.OutboxEvent) error
}

type OutboxRepositoryImpl struct {
	db *sqlx.DB
}

func NewOutboxRepository(db *sqlx.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db}
}

var _ OutboxRepository = (*OutboxRepositoryImpl)(nil)

// Insert adds an event row to outbox. The Debezium outbox SMT routes it to
// the Kafka topic named in the `topic` column, keyed by aggregate_id.
func (r *OutboxRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, ev *model.OutboxEvent) error {
	const q = `
		INSERT INTO outbox (aggregate, aggregate_id, topic, payload, created_at)
		VALUES (:aggregate, :aggregate_id, :topic, :payload, :created_at)
	`
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.NamedExecContext(ctx, q, ev)
		if err != nil {
			return err
		}
		if id, err := res.LastInsertId(); err == nil {
			ev.ID = id
		}
		return nil
	})
}
