// README: Outbox store backed by PostgreSQL; writes join the caller's transaction.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"orderflow/internal/infra"
	"orderflow/internal/types"
)

type Store interface {
	Enqueue(ctx context.Context, msgs ...Message) error
	// Claim leases up to limit due messages by pushing their availability to now+lease.
	Claim(ctx context.Context, now time.Time, limit, maxAttempts int, lease time.Duration) ([]Message, error)
	MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, cause string, retryAt time.Time) error
}

type PgStore struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *PgStore {
	return &PgStore{db: db}
}

func (s *PgStore) Enqueue(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, m := range msgs {
		batch.Queue(`
			INSERT INTO outbox_messages (
				id, order_id, audience, topic, status, payload, attempts, last_error, available_at, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			m.ID, string(m.OrderID), m.Audience, m.Topic, m.Status, []byte(m.Payload),
			m.Attempts, m.LastError, m.AvailableAt, m.CreatedAt,
		)
	}
	return infra.Conn(ctx, s.db).SendBatch(ctx, batch).Close()
}

func (s *PgStore) Claim(ctx context.Context, now time.Time, limit, maxAttempts int, lease time.Duration) ([]Message, error) {
	rows, err := infra.Conn(ctx, s.db).Query(ctx, `
		UPDATE outbox_messages
		SET available_at = $2
		WHERE id IN (
			SELECT id FROM outbox_messages
			WHERE sent_at IS NULL AND attempts < $3 AND available_at <= $1
			ORDER BY available_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, order_id, audience, topic, status, payload, attempts, last_error, available_at, created_at`,
		now, now.Add(lease), maxAttempts, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var orderID string
		var payload []byte
		if err := rows.Scan(&m.ID, &orderID, &m.Audience, &m.Topic, &m.Status, &payload,
			&m.Attempts, &m.LastError, &m.AvailableAt, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.OrderID = types.ID(orderID)
		m.Payload = payload
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PgStore) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := infra.Conn(ctx, s.db).Exec(ctx, `
		UPDATE outbox_messages SET sent_at = $2, attempts = attempts + 1, last_error = ''
		WHERE id = $1 AND sent_at IS NULL`, id, at)
	return err
}

func (s *PgStore) MarkFailed(ctx context.Context, id uuid.UUID, cause string, retryAt time.Time) error {
	_, err := infra.Conn(ctx, s.db).Exec(ctx, `
		UPDATE outbox_messages SET attempts = attempts + 1, last_error = $2, available_at = $3
		WHERE id = $1 AND sent_at IS NULL`, id, cause, retryAt)
	return err
}
