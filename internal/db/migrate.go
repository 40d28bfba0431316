package db

import (
	"context"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		secret_hash TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		revoked_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS beacons (
		id BIGSERIAL PRIMARY KEY,
		device_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		sequence BIGINT NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL,
		latitude DOUBLE PRECISION NOT NULL,
		longitude DOUBLE PRECISION NOT NULL,
		accuracy DOUBLE PRECISION NOT NULL,
		speed DOUBLE PRECISION,
		heartbeat BOOLEAN NOT NULL DEFAULT false,
		received_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (device_id, session_id, sequence)
	)`,
	`CREATE INDEX IF NOT EXISTS beacons_device_recorded ON beacons (device_id, recorded_at DESC)`,
	`CREATE INDEX IF NOT EXISTS beacons_session_sequence ON beacons (session_id, sequence)`,
}

// Migrate creates the ingest schema. Every statement is idempotent.
func Migrate(ctx context.Context, q Querier) error {
	for i, stmt := range migrations {
		if _, err := q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}
