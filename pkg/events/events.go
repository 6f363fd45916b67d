// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

// Package events implements the server's event fan-out: publishers raise
// events synchronously on a bus, which dispatches them to every registered
// sink. Sinks are in-process (logger, audit log) or remote (webhooks).
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatekeyd/gatekey/pkg/logger"
)

// Event type names raised by the server.
const (
	TypeUserSignedIn     = "UserSignedIn"
	TypeUserSignInFailed = "UserSignInFailed"
	TypeUserLockedOut    = "UserLockedOut"
	TypeUserCreated      = "UserCreated"
	TypeUserUpdated      = "UserUpdated"
	TypeConsentGranted   = "ConsentGranted"
	TypeTokenIssued      = "TokenIssued"
	TypeTokenRevoked     = "TokenRevoked"
	TypeJourneyStarted   = "JourneyStarted"
	TypeJourneyCompleted = "JourneyCompleted"
	TypeJourneyFailed    = "JourneyFailed"
)

// Event is a single occurrence raised by the server.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	TenantID  string         `json:"tenant_id"`
	Data      map[string]any `json:"data,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Sink receives every raised event. Handle must not block on slow I/O;
// remote sinks enqueue and return.
type Sink interface {
	// Name identifies the sink in logs.
	Name() string

	Handle(ctx context.Context, evt *Event) error
}

//go:generate mockgen -destination=mocks/mock_sink.go -package=mocks -source=events.go Sink

// Bus dispatches raised events to registered sinks.
type Bus struct {
	mu    sync.RWMutex
	sinks []Sink
	clock func() time.Time
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBusClock injects a clock for deterministic tests.
func WithBusClock(clock func() time.Time) BusOption {
	return func(b *Bus) {
		b.clock = clock
	}
}

// NewBus creates a bus with the given sinks.
func NewBus(sinks []Sink, opts ...BusOption) *Bus {
	b := &Bus{sinks: sinks, clock: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddSink registers an additional sink.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Raise assigns the event an id and timestamp when missing and dispatches it
// to every sink. A failing sink is logged and does not stop dispatch to the
// others.
func (b *Bus) Raise(ctx context.Context, evt *Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.clock()
	}

	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Handle(ctx, evt); err != nil {
			logger.Warnw("event sink failed",
				"sink", s.Name(),
				"event_type", evt.Type,
				"tenant", evt.TenantID,
				"error", err,
			)
		}
	}
}
