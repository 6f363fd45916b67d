// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package events_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeyd/gatekey/pkg/events"
	"github.com/gatekeyd/gatekey/pkg/storage"
	"github.com/gatekeyd/gatekey/pkg/tenant"
	"github.com/gatekeyd/gatekey/pkg/webhook"
)

func TestBackoff(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Minute, events.Backoff(0))
	assert.Equal(t, time.Minute, events.Backoff(1))
	assert.Equal(t, 5*time.Minute, events.Backoff(2))
	assert.Equal(t, 30*time.Minute, events.Backoff(3))
	assert.Equal(t, 2*time.Hour, events.Backoff(4))
	assert.Equal(t, 8*time.Hour, events.Backoff(5))
	assert.Equal(t, 8*time.Hour, events.Backoff(99))
}

// processorFixture wires a processor over a mutable clock, one tenant, and
// one endpoint pointing at the given receiver.
type processorFixture struct {
	now        time.Time
	store      *storage.MemoryStorage
	processor  *events.Processor
	endpointID string
}

func newProcessorFixture(t *testing.T, receiverURL string) *processorFixture {
	t.Helper()

	f := &processorFixture{
		now:        time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		endpointID: "ep-1",
	}
	clock := func() time.Time { return f.now }

	f.store = storage.NewMemoryStorage(storage.WithClock(clock))
	t.Cleanup(func() { _ = f.store.Close() })

	tenants := tenant.NewMemoryRegistry()
	tenants.Upsert(&tenant.Tenant{
		ID:      "acme",
		Enabled: true,
		WebhookEndpoints: []tenant.WebhookEndpoint{{
			ID: f.endpointID, URL: receiverURL, Secret: "hook-secret",
			EventTypes: []string{"*"}, Enabled: true,
		}},
	})

	client := webhook.NewClient(webhook.WithClock(clock))
	f.processor = events.NewProcessor(f.store, tenants, client,
		events.WithProcessorClock(clock),
		events.WithBatchSize(10),
	)
	return f
}

func (f *processorFixture) enqueue(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.store.CreateDelivery(context.Background(), &storage.WebhookDelivery{
		ID:          id,
		TenantID:    "acme",
		EndpointID:  f.endpointID,
		EventType:   events.TypeUserSignedIn,
		Payload:     []byte(`{"event_type":"UserSignedIn"}`),
		Status:      storage.DeliveryPending,
		NextRetryAt: f.now,
		CreatedAt:   f.now,
		UpdatedAt:   f.now,
	}))
}

func TestProcessorDelivers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var signatureOK atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts, err := strconv.ParseInt(r.Header.Get(webhook.TimestampHeader), 10, 64)
		if err == nil {
			body := []byte(`{"event_type":"UserSignedIn"}`)
			signatureOK.Store(webhook.VerifySignature([]byte("hook-secret"), ts, body,
				r.Header.Get(webhook.SignatureHeader)))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fixture := newProcessorFixture(t, srv.URL)
	fixture.enqueue(t, "d-1")

	require.NoError(t, fixture.processor.ProcessOnce(ctx))

	d, err := fixture.store.GetDelivery(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, storage.DeliverySucceeded, d.Status)
	assert.Equal(t, 1, d.Attempts)
	assert.Equal(t, http.StatusOK, d.ResponseStatus)
	assert.Empty(t, d.LastError)
	assert.True(t, signatureOK.Load(), "the delivery must carry a valid signature")
}

func TestProcessorRetriesWithBackoff(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "receiver down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newProcessorFixture(t, srv.URL)
	f.enqueue(t, "d-1")

	require.NoError(t, f.processor.ProcessOnce(ctx))
	d, err := f.store.GetDelivery(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, storage.DeliveryFailed, d.Status)
	assert.Equal(t, 1, d.Attempts)
	assert.Equal(t, f.now.Add(events.Backoff(1)), d.NextRetryAt)
	assert.Contains(t, d.LastError, "status 500")

	// Not due yet: another pass claims nothing.
	require.NoError(t, f.processor.ProcessOnce(ctx))
	d, err = f.store.GetDelivery(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, 1, d.Attempts)

	// Drive the delivery through the rest of the schedule.
	for attempt := 1; attempt < events.MaxDeliveryAttempts; attempt++ {
		f.now = f.now.Add(events.Backoff(attempt) + time.Second)
		require.NoError(t, f.processor.ProcessOnce(ctx))
	}

	d, err = f.store.GetDelivery(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, storage.DeliveryExhausted, d.Status)
	assert.Equal(t, events.MaxDeliveryAttempts, d.Attempts)
}

func TestProcessorDropsOrphanedDelivery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newProcessorFixture(t, "https://hooks.example.com/unused")
	require.NoError(t, f.store.CreateDelivery(ctx, &storage.WebhookDelivery{
		ID:          "d-orphan",
		TenantID:    "acme",
		EndpointID:  "removed-endpoint",
		EventType:   events.TypeUserSignedIn,
		Payload:     []byte(`{}`),
		Status:      storage.DeliveryPending,
		NextRetryAt: f.now,
	}))

	require.NoError(t, f.processor.ProcessOnce(ctx))

	d, err := f.store.GetDelivery(ctx, "d-orphan")
	require.NoError(t, err)
	assert.Equal(t, storage.DeliveryExhausted, d.Status)
	assert.NotEmpty(t, d.LastError)
}
