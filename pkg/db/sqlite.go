package db

import (
	"context"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// sqliteSchema mirrors the goose migrations for local sqlite runs and tests.
// Postgres enums become TEXT with CHECK constraints; append-only tables get
// RAISE(ABORT) triggers.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		parent_id TEXT,
		sku TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		price_cents INTEGER NOT NULL CHECK (price_cents >= 0),
		currency TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT 1,
		track_inventory BOOLEAN NOT NULL DEFAULT 1,
		stock_quantity INTEGER NOT NULL DEFAULT 0,
		low_stock_threshold INTEGER NOT NULL DEFAULT 0,
		allow_backorder BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME,
		updated_at DATETIME,
		deleted_at DATETIME
	)`,
	`CREATE TABLE IF NOT EXISTS stock_movements (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL REFERENCES products(id),
		quantity INTEGER NOT NULL CHECK (quantity <> 0),
		movement_type TEXT NOT NULL CHECK (movement_type IN ('sale','restock','adjustment','return','damaged','lost')),
		quantity_before INTEGER NOT NULL,
		quantity_after INTEGER NOT NULL,
		order_id TEXT,
		reference TEXT,
		note TEXT,
		actor_type TEXT NOT NULL,
		actor_id TEXT,
		created_at DATETIME,
		CHECK (quantity_after = quantity_before + quantity)
	)`,
	`CREATE INDEX IF NOT EXISTS stock_movements_product_idx ON stock_movements (product_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS stock_movements_order_idx ON stock_movements (order_id)`,
	`CREATE TRIGGER IF NOT EXISTS stock_movements_no_update BEFORE UPDATE ON stock_movements
		BEGIN SELECT RAISE(ABORT, 'stock_movements is append-only'); END`,
	`CREATE TRIGGER IF NOT EXISTS stock_movements_no_delete BEFORE DELETE ON stock_movements
		BEGIN SELECT RAISE(ABORT, 'stock_movements is append-only'); END`,
	`CREATE TABLE IF NOT EXISTS order_counters (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL,
		updated_at DATETIME
	)`,
	`INSERT OR IGNORE INTO order_counters (name, value) VALUES ('orders', 100000)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		order_number INTEGER NOT NULL UNIQUE,
		customer_user_id TEXT,
		guest_email TEXT,
		subtotal_cents INTEGER NOT NULL,
		shipping_cents INTEGER NOT NULL,
		tax_cents INTEGER NOT NULL,
		discount_cents INTEGER NOT NULL,
		total_cents INTEGER NOT NULL,
		currency TEXT NOT NULL,
		billing_address TEXT NOT NULL,
		shipping_address TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending','processing','shipped','delivered','cancelled')),
		payment_status TEXT NOT NULL,
		payment_gateway TEXT NOT NULL,
		payment_reference TEXT,
		needs_reconciliation BOOLEAN NOT NULL DEFAULT 0,
		reconciliation_reason TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		cancelled_at DATETIME,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE IF NOT EXISTS order_line_items (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL REFERENCES orders(id),
		product_id TEXT NOT NULL,
		sku TEXT NOT NULL,
		name TEXT NOT NULL,
		unit_price_cents INTEGER NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		line_total_cents INTEGER NOT NULL,
		created_at DATETIME,
		UNIQUE (order_id, product_id)
	)`,
	`CREATE TRIGGER IF NOT EXISTS order_line_items_no_update BEFORE UPDATE ON order_line_items
		BEGIN SELECT RAISE(ABORT, 'order_line_items is append-only'); END`,
	`CREATE TABLE IF NOT EXISTS order_status_history (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL REFERENCES orders(id),
		from_status TEXT,
		to_status TEXT NOT NULL,
		actor_type TEXT NOT NULL,
		actor_id TEXT,
		comment TEXT,
		created_at DATETIME
	)`,
	`CREATE TRIGGER IF NOT EXISTS order_status_history_no_update BEFORE UPDATE ON order_status_history
		BEGIN SELECT RAISE(ABORT, 'order_status_history is append-only'); END`,
	`CREATE TABLE IF NOT EXISTS payment_attempts (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL REFERENCES orders(id),
		gateway TEXT NOT NULL,
		gateway_intent_id TEXT NOT NULL UNIQUE,
		client_secret TEXT NOT NULL,
		amount_cents INTEGER NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('requires_payment','succeeded','failed','canceled')),
		gateway_status_at DATETIME,
		last_event_id TEXT,
		failure_reason TEXT,
		stale BOOLEAN NOT NULL DEFAULT 0,
		superseded_at DATETIME,
		superseded_by_id TEXT,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS payment_attempts_one_active_idx ON payment_attempts (order_id)
		WHERE stale = 0 AND status = 'requires_payment'`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME,
		published_at DATETIME,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS outbox_dlq (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		error_reason TEXT NOT NULL,
		error_message TEXT,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		failed_at DATETIME,
		created_at DATETIME
	)`,
}

// OpenSQLite opens a sqlite database with the shared gorm settings and a
// single connection, then applies the schema.
func OpenSQLite(ctx context.Context, dsn string) (*Client, error) {
	conn, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql db handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if err := EnsureSQLiteSchema(ctx, conn); err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// EnsureSQLiteSchema creates every table idempotently.
func EnsureSQLiteSchema(ctx context.Context, conn *gorm.DB) error {
	for _, stmt := range sqliteSchema {
		if err := conn.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("applying sqlite schema: %w", err)
		}
	}
	return nil
}
