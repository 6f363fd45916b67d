// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"time"

	"github.com/gatekeyd/gatekey/pkg/logger"
	"github.com/gatekeyd/gatekey/pkg/storage"
	"github.com/gatekeyd/gatekey/pkg/tenant"
	"github.com/gatekeyd/gatekey/pkg/webhook"
)

// MaxDeliveryAttempts is the attempt ceiling before a delivery is marked
// Exhausted.
const MaxDeliveryAttempts = 5

// retrySchedule is the delay before the next attempt, indexed by the number
// of attempts already made.
var retrySchedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	8 * time.Hour,
}

// Backoff returns the delay before the next attempt after the given number
// of attempts.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > len(retrySchedule) {
		attempts = len(retrySchedule)
	}
	return retrySchedule[attempts-1]
}

// Processor drains the webhook delivery queue. The claim in
// ClaimDueDeliveries guarantees single-consumer semantics per delivery even
// with several processors running.
type Processor struct {
	deliveries storage.WebhookDeliveryStore
	tenants    tenant.Registry
	client     *webhook.Client

	interval  time.Duration
	batchSize int
	clock     func() time.Time
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithPollInterval sets how often the queue is polled.
func WithPollInterval(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		p.interval = d
	}
}

// WithBatchSize caps deliveries claimed per poll.
func WithBatchSize(n int) ProcessorOption {
	return func(p *Processor) {
		p.batchSize = n
	}
}

// WithProcessorClock injects a clock for deterministic tests.
func WithProcessorClock(clock func() time.Time) ProcessorOption {
	return func(p *Processor) {
		p.clock = clock
	}
}

// NewProcessor creates a retry processor.
func NewProcessor(deliveries storage.WebhookDeliveryStore, tenants tenant.Registry, client *webhook.Client, opts ...ProcessorOption) *Processor {
	p := &Processor{
		deliveries: deliveries,
		tenants:    tenants,
		client:     client,
		interval:   10 * time.Second,
		batchSize:  50,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls until the context is canceled.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
				logger.Errorw("webhook delivery pass failed", "error", err)
			}
		}
	}
}

// ProcessOnce claims and attempts every due delivery once.
func (p *Processor) ProcessOnce(ctx context.Context) error {
	now := p.clock()
	claimed, err := p.deliveries.ClaimDueDeliveries(ctx, now, p.batchSize)
	if err != nil {
		return err
	}
	for _, d := range claimed {
		p.attempt(ctx, d)
	}
	return nil
}

// attempt posts one delivery and records the outcome.
func (p *Processor) attempt(ctx context.Context, d *storage.WebhookDelivery) {
	url, secret, err := p.resolveEndpoint(ctx, d)
	now := p.clock()
	d.UpdatedAt = now

	if err != nil {
		// The endpoint is gone or disabled; retrying cannot succeed.
		d.Status = storage.DeliveryExhausted
		d.LastError = err.Error()
		p.saveOutcome(ctx, d)
		return
	}

	status, err := p.client.Deliver(ctx, url, secret, d.Payload)
	d.Attempts++
	d.ResponseStatus = status

	if err == nil {
		d.Status = storage.DeliverySucceeded
		d.LastError = ""
		p.saveOutcome(ctx, d)
		return
	}

	d.LastError = err.Error()
	if d.Attempts >= MaxDeliveryAttempts {
		d.Status = storage.DeliveryExhausted
		logger.Warnw("webhook delivery exhausted",
			"delivery_id", d.ID,
			"tenant", d.TenantID,
			"endpoint_id", d.EndpointID,
			"attempts", d.Attempts,
			"error", err,
		)
	} else {
		d.Status = storage.DeliveryFailed
		d.NextRetryAt = now.Add(Backoff(d.Attempts))
	}
	p.saveOutcome(ctx, d)
}

func (p *Processor) resolveEndpoint(ctx context.Context, d *storage.WebhookDelivery) (url, secret string, err error) {
	tn, err := p.tenants.GetTenant(ctx, d.TenantID)
	if err != nil {
		return "", "", err
	}
	for i := range tn.WebhookEndpoints {
		ep := &tn.WebhookEndpoints[i]
		if ep.ID == d.EndpointID && ep.Enabled {
			return ep.URL, ep.Secret, nil
		}
	}
	return "", "", storage.ErrNotFound
}

func (p *Processor) saveOutcome(ctx context.Context, d *storage.WebhookDelivery) {
	if err := p.deliveries.UpdateDelivery(ctx, d); err != nil {
		logger.Errorw("recording webhook delivery outcome failed",
			"delivery_id", d.ID,
			"error", err,
		)
	}
}
