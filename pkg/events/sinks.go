// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"encoding/json"

	"github.com/gatekeyd/gatekey/pkg/logger"
	"github.com/gatekeyd/gatekey/pkg/storage"
	"github.com/gatekeyd/gatekey/pkg/tenant"
)

// LoggerSink writes every event to the structured log.
type LoggerSink struct{}

// Name identifies the sink.
func (*LoggerSink) Name() string {
	return "logger"
}

// Handle implements Sink.
func (*LoggerSink) Handle(_ context.Context, evt *Event) error {
	logger.Infow("event raised",
		"event_id", evt.ID,
		"event_type", evt.Type,
		"tenant", evt.TenantID,
		"data", evt.Data,
	)
	return nil
}

// AuditStore is the durable audit log the audit sink appends to.
type AuditStore interface {
	AppendAuditEvent(ctx context.Context, evt *Event) error
}

//go:generate mockgen -destination=mocks/mock_audit.go -package=mocks -source=sinks.go AuditStore

// AuditSink appends every event to a durable audit store.
type AuditSink struct {
	store AuditStore
}

// NewAuditSink creates an audit sink over the given store.
func NewAuditSink(store AuditStore) *AuditSink {
	return &AuditSink{store: store}
}

// Name identifies the sink.
func (*AuditSink) Name() string {
	return "audit"
}

// Handle implements Sink.
func (s *AuditSink) Handle(ctx context.Context, evt *Event) error {
	return s.store.AppendAuditEvent(ctx, evt)
}

// WebhookSink enqueues a delivery for every tenant endpoint subscribed to
// the event type. The actual POST happens in the retry processor, so Raise
// never blocks on a slow receiver.
type WebhookSink struct {
	tenants    tenant.Registry
	deliveries storage.WebhookDeliveryStore
}

// NewWebhookSink creates the fan-out sink.
func NewWebhookSink(tenants tenant.Registry, deliveries storage.WebhookDeliveryStore) *WebhookSink {
	return &WebhookSink{tenants: tenants, deliveries: deliveries}
}

// Name identifies the sink.
func (*WebhookSink) Name() string {
	return "webhook"
}

// Handle implements Sink.
func (s *WebhookSink) Handle(ctx context.Context, evt *Event) error {
	if evt.TenantID == "" {
		return nil
	}
	tn, err := s.tenants.GetTenant(ctx, evt.TenantID)
	if err != nil {
		return err
	}

	var payload []byte
	for i := range tn.WebhookEndpoints {
		ep := &tn.WebhookEndpoints[i]
		if !ep.Subscribed(evt.Type) {
			continue
		}
		if payload == nil {
			payload, err = json.Marshal(evt)
			if err != nil {
				return err
			}
		}
		delivery := &storage.WebhookDelivery{
			ID:          evt.ID + ":" + ep.ID,
			TenantID:    evt.TenantID,
			EndpointID:  ep.ID,
			EventType:   evt.Type,
			Payload:     payload,
			Status:      storage.DeliveryPending,
			NextRetryAt: evt.Timestamp,
			CreatedAt:   evt.Timestamp,
			UpdatedAt:   evt.Timestamp,
		}
		if err := s.deliveries.CreateDelivery(ctx, delivery); err != nil {
			return err
		}
	}
	return nil
}
