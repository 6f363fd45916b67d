// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeyd/gatekey/pkg/events"
	"github.com/gatekeyd/gatekey/pkg/storage"
	"github.com/gatekeyd/gatekey/pkg/tenant"
)

// recordingSink captures every handled event.
type recordingSink struct {
	name   string
	events []*events.Event
	err    error
}

func (s *recordingSink) Name() string {
	return s.name
}

func (s *recordingSink) Handle(_ context.Context, evt *events.Event) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, evt)
	return nil
}

func TestBusRaise(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	failing := &recordingSink{name: "failing", err: errors.New("sink down")}
	recording := &recordingSink{name: "recording"}
	bus := events.NewBus([]events.Sink{failing, recording},
		events.WithBusClock(func() time.Time { return now }),
	)

	bus.Raise(ctx, &events.Event{
		Type:     events.TypeUserSignedIn,
		TenantID: "acme",
		Data:     map[string]any{"subject_id": "u-1"},
	})

	// A failing sink does not stop dispatch to the ones after it.
	require.Len(t, recording.events, 1)
	evt := recording.events[0]
	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, now, evt.Timestamp)
	assert.Equal(t, events.TypeUserSignedIn, evt.Type)

	// Preset id and timestamp are kept.
	preset := &events.Event{
		ID:        "evt-1",
		Timestamp: now.Add(-time.Hour),
		Type:      events.TypeTokenIssued,
		TenantID:  "acme",
	}
	bus.Raise(ctx, preset)
	require.Len(t, recording.events, 2)
	assert.Equal(t, "evt-1", recording.events[1].ID)
	assert.Equal(t, now.Add(-time.Hour), recording.events[1].Timestamp)
}

func TestBusAddSink(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	bus := events.NewBus(nil)
	late := &recordingSink{name: "late"}
	bus.AddSink(late)

	bus.Raise(ctx, &events.Event{Type: events.TypeJourneyStarted, TenantID: "acme"})
	assert.Len(t, late.events, 1)
}

// recordingAuditStore is an in-memory AuditStore.
type recordingAuditStore struct {
	appended []*events.Event
}

func (s *recordingAuditStore) AppendAuditEvent(_ context.Context, evt *events.Event) error {
	s.appended = append(s.appended, evt)
	return nil
}

func TestAuditSink(t *testing.T) {
	t.Parallel()

	store := &recordingAuditStore{}
	sink := events.NewAuditSink(store)
	assert.Equal(t, "audit", sink.Name())

	err := sink.Handle(context.Background(), &events.Event{ID: "evt-1", Type: events.TypeUserCreated})
	require.NoError(t, err)
	require.Len(t, store.appended, 1)
	assert.Equal(t, "evt-1", store.appended[0].ID)
}

func TestWebhookSinkFanout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	tenants := tenant.NewMemoryRegistry()
	tenants.Upsert(&tenant.Tenant{
		ID:      "acme",
		Enabled: true,
		WebhookEndpoints: []tenant.WebhookEndpoint{
			{ID: "all", URL: "https://hooks.example.com/all", EventTypes: []string{"*"}, Enabled: true},
			{ID: "signins", URL: "https://hooks.example.com/signins", EventTypes: []string{events.TypeUserSignedIn}, Enabled: true},
			{ID: "disabled", URL: "https://hooks.example.com/off", EventTypes: []string{"*"}, Enabled: false},
		},
	})

	deliveries := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = deliveries.Close() })
	sink := events.NewWebhookSink(tenants, deliveries)

	evt := &events.Event{
		ID:        "evt-1",
		Type:      events.TypeTokenIssued,
		Timestamp: now,
		TenantID:  "acme",
		Data:      map[string]any{"client_id": "web-app"},
	}
	require.NoError(t, sink.Handle(ctx, evt))

	// Only the wildcard endpoint subscribes to TokenIssued.
	d, err := deliveries.GetDelivery(ctx, "evt-1:all")
	require.NoError(t, err)
	assert.Equal(t, storage.DeliveryPending, d.Status)
	assert.Equal(t, "acme", d.TenantID)
	assert.Equal(t, now, d.NextRetryAt)

	var decoded events.Event
	require.NoError(t, json.Unmarshal(d.Payload, &decoded))
	assert.Equal(t, events.TypeTokenIssued, decoded.Type)

	_, err = deliveries.GetDelivery(ctx, "evt-1:signins")
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = deliveries.GetDelivery(ctx, "evt-1:disabled")
	require.ErrorIs(t, err, storage.ErrNotFound)

	// Events without a tenant have no endpoints to fan out to.
	require.NoError(t, sink.Handle(ctx, &events.Event{ID: "evt-2", Type: events.TypeTokenIssued}))

	// An unknown tenant is an error the bus logs.
	err = sink.Handle(ctx, &events.Event{ID: "evt-3", Type: events.TypeTokenIssued, TenantID: "ghost"})
	require.Error(t, err)
}
