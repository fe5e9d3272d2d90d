package history

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS channel_updates (
	id         TEXT PRIMARY KEY,
	channel    TEXT NOT NULL,
	payload    BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS channel_updates_channel_id ON channel_updates (channel, id);
`

// PostgresStore keeps history in the channel_updates table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("history: creating schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, channel string, update []byte) (Record, error) {
	r := newRecord(channel, update)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO channel_updates (id, channel, payload, created_at) VALUES ($1, $2, $3, $4)`,
		r.ID, r.Channel, r.Update, r.CreatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("history: appending to %s: %w", channel, err)
	}
	return r, nil
}

func (s *PostgresStore) List(ctx context.Context, channel string) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, channel, payload, created_at FROM channel_updates WHERE channel = $1 ORDER BY id`,
		channel)
	if err != nil {
		return nil, fmt.Errorf("history: listing %s: %w", channel, err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var r Record
		err := row.Scan(&r.ID, &r.Channel, &r.Update, &r.CreatedAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("history: scanning %s: %w", channel, err)
	}
	return records, nil
}
