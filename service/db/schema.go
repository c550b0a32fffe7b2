package db

import (
	"context"
	"fmt"
)

// schema is applied idempotently at startup. The journal is an audit trail
// only; ledger totals are never rebuilt from it.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS transfers (
		tx_hash       TEXT PRIMARY KEY,
		kind          TEXT NOT NULL,
		from_address  TEXT NOT NULL,
		to_address    TEXT NOT NULL,
		amount_wei    NUMERIC(78, 0) NOT NULL,
		amount_usd    NUMERIC(30, 10) NOT NULL,
		status        TEXT NOT NULL,
		block_number  BIGINT,
		error         TEXT,
		endpoint      TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS transfers_created_at_idx ON transfers (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS transfers_status_idx ON transfers (status)`,
}

// EnsureSchema creates the journal tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
