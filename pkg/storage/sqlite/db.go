// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlite provides the SQL-backed durable stores: the audit log the
// audit sink appends to and the webhook delivery queue the retry processor
// drains. Short-lived protocol artifacts stay in the memory or redis
// backends; this package holds only what must survive restarts.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	// Registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"
)

// DB wraps the sqlite handle shared by the stores in this package.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies pending
// migrations. Use ":memory:" for tests.
func Open(ctx context.Context, path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{db: db}, nil
}

// Handle exposes the raw handle to the stores.
func (d *DB) Handle() *sql.DB {
	return d.db
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// rollback is a deferred-rollback helper; committed transactions make it a
// no-op.
func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}
