// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// runMigrations applies all pending database migrations using goose.
func runMigrations(ctx context.Context, db *sql.DB) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration filesystem: %w", err)
	}

	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		return fmt.Errorf("creating goose provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}
