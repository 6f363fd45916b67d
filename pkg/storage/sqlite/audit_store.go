// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gatekeyd/gatekey/pkg/events"
	"github.com/gatekeyd/gatekey/pkg/storage"
)

// AuditStore is the durable audit log backing the audit sink.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore creates an audit store over the given database.
func NewAuditStore(db *DB) *AuditStore {
	return &AuditStore{db: db.Handle()}
}

// AppendAuditEvent implements events.AuditStore.
func (s *AuditStore) AppendAuditEvent(ctx context.Context, evt *events.Event) error {
	data, err := encodeJSONMap(evt.Data)
	if err != nil {
		return fmt.Errorf("encoding event data: %w", err)
	}
	metadata, err := encodeJSONMap(evt.Metadata)
	if err != nil {
		return fmt.Errorf("encoding event metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, event_type, tenant_id, timestamp, data, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		evt.ID, evt.Type, evt.TenantID, evt.Timestamp.UTC(), data, metadata,
	)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns a tenant's events newest first, at most limit.
func (s *AuditStore) ListAuditEvents(ctx context.Context, tenantID string, limit int) ([]*events.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, tenant_id, timestamp, data, metadata
		FROM audit_events
		WHERE tenant_id = ?
		ORDER BY timestamp DESC
		LIMIT ?`,
		tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()

	var out []*events.Event
	for rows.Next() {
		var (
			evt            events.Event
			ts             time.Time
			data, metadata sql.NullString
		)
		if err := rows.Scan(&evt.ID, &evt.Type, &evt.TenantID, &ts, &data, &metadata); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		evt.Timestamp = ts
		if evt.Data, err = decodeJSONMap(data); err != nil {
			return nil, fmt.Errorf("decoding event data: %w", err)
		}
		if evt.Metadata, err = decodeJSONMap(metadata); err != nil {
			return nil, fmt.Errorf("decoding event metadata: %w", err)
		}
		out = append(out, &evt)
	}
	return out, rows.Err()
}

// GetAuditEvent returns one event by id.
func (s *AuditStore) GetAuditEvent(ctx context.Context, id string) (*events.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, event_type, tenant_id, timestamp, data, metadata
		FROM audit_events WHERE id = ?`, id)

	var (
		evt            events.Event
		ts             time.Time
		data, metadata sql.NullString
	)
	err := row.Scan(&evt.ID, &evt.Type, &evt.TenantID, &ts, &data, &metadata)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning audit event: %w", err)
	}
	evt.Timestamp = ts
	if evt.Data, err = decodeJSONMap(data); err != nil {
		return nil, fmt.Errorf("decoding event data: %w", err)
	}
	if evt.Metadata, err = decodeJSONMap(metadata); err != nil {
		return nil, fmt.Errorf("decoding event metadata: %w", err)
	}
	return &evt, nil
}

func encodeJSONMap(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeJSONMap(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}
