package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/smarttransit/trip-booking-core/internal/config"
)

// NewConnection creates a new database connection
func NewConnection(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	// Connection poolers (Supavisor, pgbouncer) reject extended protocol
	// result formats
	connectionURL := cfg.URL
	if !strings.Contains(connectionURL, "prefer_simple_protocol") {
		separator := "?"
		if strings.Contains(connectionURL, "?") {
			separator = "&"
		}
		connectionURL = connectionURL + separator + "prefer_simple_protocol=true"
	}

	db, err := sqlx.Connect("postgres", connectionURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxLifetime / 2)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

const purchaseRecordsSchema = `
	CREATE TABLE IF NOT EXISTS purchase_records (
		id                UUID PRIMARY KEY,
		purchase_id       TEXT NOT NULL,
		purchase_uuid     TEXT NOT NULL,
		cart_id           TEXT NOT NULL DEFAULT '',
		record_id         TEXT NOT NULL DEFAULT '',
		state             TEXT NOT NULL,
		poll_outcome      TEXT NOT NULL,
		raw_status        TEXT NOT NULL DEFAULT '',
		booking_reference TEXT NOT NULL DEFAULT '',
		currency          CHAR(3) NOT NULL,
		original_total    BIGINT NOT NULL,
		adjusted_total    BIGINT NOT NULL,
		discount_amount   BIGINT NOT NULL,
		failure_reason    TEXT NOT NULL DEFAULT '',
		finalized_at      TIMESTAMPTZ NOT NULL,
		UNIQUE (purchase_id, purchase_uuid)
	)`

// EnsureSchema creates the tables this service writes to
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, purchaseRecordsSchema); err != nil {
		return fmt.Errorf("failed to create purchase_records table: %w", err)
	}
	return nil
}
