// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/gatekeyd/gatekey/pkg/storage"
)

// DeliveryStore is the durable webhook delivery queue.
type DeliveryStore struct {
	db *sql.DB
}

// NewDeliveryStore creates a delivery store over the given database.
func NewDeliveryStore(db *DB) *DeliveryStore {
	return &DeliveryStore{db: db.Handle()}
}

var _ storage.WebhookDeliveryStore = (*DeliveryStore)(nil)

// CreateDelivery implements storage.WebhookDeliveryStore.
func (s *DeliveryStore) CreateDelivery(ctx context.Context, d *storage.WebhookDelivery) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries
			(id, tenant_id, endpoint_id, event_type, payload, status,
			 attempts, next_retry_at, response_status, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.TenantID, d.EndpointID, d.EventType, d.Payload, string(d.Status),
		d.Attempts, d.NextRetryAt.UTC(), d.ResponseStatus, d.LastError,
		d.CreatedAt.UTC(), d.UpdatedAt.UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting webhook delivery: %w", err)
	}
	return nil
}

// ClaimDueDeliveries implements storage.WebhookDeliveryStore. The select and
// the claim mark run in one transaction so concurrent claimers never receive
// the same delivery.
func (s *DeliveryStore) ClaimDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*storage.WebhookDelivery, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer rollback(tx)

	rows, err := tx.QueryContext(ctx, `
		SELECT id, tenant_id, endpoint_id, event_type, payload, status,
		       attempts, next_retry_at, response_status, last_error, created_at, updated_at
		FROM webhook_deliveries
		WHERE claimed = 0
		  AND status IN (?, ?)
		  AND next_retry_at <= ?
		ORDER BY next_retry_at
		LIMIT ?`,
		string(storage.DeliveryPending), string(storage.DeliveryFailed), now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying due deliveries: %w", err)
	}

	var claimed []*storage.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, d := range claimed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE webhook_deliveries SET claimed = 1 WHERE id = ?`, d.ID,
		); err != nil {
			return nil, fmt.Errorf("claiming delivery %s: %w", d.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return claimed, nil
}

// UpdateDelivery implements storage.WebhookDeliveryStore. It records the
// attempt outcome and releases the claim.
func (s *DeliveryStore) UpdateDelivery(ctx context.Context, d *storage.WebhookDelivery) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = ?, claimed = 0, attempts = ?, next_retry_at = ?,
		    response_status = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		string(d.Status), d.Attempts, d.NextRetryAt.UTC(),
		d.ResponseStatus, d.LastError, d.UpdatedAt.UTC(), d.ID,
	)
	if err != nil {
		return fmt.Errorf("updating webhook delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading update result: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetDelivery implements storage.WebhookDeliveryStore.
func (s *DeliveryStore) GetDelivery(ctx context.Context, id string) (*storage.WebhookDelivery, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, endpoint_id, event_type, payload, status,
		       attempts, next_retry_at, response_status, last_error, created_at, updated_at
		FROM webhook_deliveries WHERE id = ?`, id)

	d, err := scanDelivery(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelivery(row rowScanner) (*storage.WebhookDelivery, error) {
	var (
		d                              storage.WebhookDelivery
		status                         string
		nextRetry, createdAt, updatedAt time.Time
	)
	err := row.Scan(&d.ID, &d.TenantID, &d.EndpointID, &d.EventType, &d.Payload,
		&status, &d.Attempts, &nextRetry, &d.ResponseStatus, &d.LastError,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning webhook delivery: %w", err)
	}
	d.Status = storage.WebhookDeliveryStatus(status)
	d.NextRetryAt = nextRetry
	d.CreatedAt = createdAt
	d.UpdatedAt = updatedAt
	return &d, nil
}
