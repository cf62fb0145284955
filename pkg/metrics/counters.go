package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/richardartoul/toolcache"

// Tier identifies which cache layer an outcome came from.
type Tier string

const (
	TierLocal  Tier = "local"
	TierRemote Tier = "remote"
)

// Counters counts cache outcomes on OpenTelemetry instruments. A nil
// *Counters is valid and records nothing.
type Counters struct {
	lookups    metric.Int64Counter
	executions metric.Int64Counter
	stores     metric.Int64Counter
	errors     metric.Int64Counter
	bytes      metric.Int64Counter
}

// NewCounters registers the cache instruments on meter. A nil meter uses the
// global meter provider.
func NewCounters(meter metric.Meter) (*Counters, error) {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}

	lookups, err := meter.Int64Counter(
		"toolcache.lookups",
		metric.WithDescription("Cache lookups by tier and result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}
	executions, err := meter.Int64Counter(
		"toolcache.executions",
		metric.WithDescription("Tool executions after a cache miss"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}
	stores, err := meter.Int64Counter(
		"toolcache.stores",
		metric.WithDescription("Entries stored by tier and result"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}
	errs, err := meter.Int64Counter(
		"toolcache.errors",
		metric.WithDescription("Non-fatal cache errors by tier"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}
	bytes, err := meter.Int64Counter(
		"toolcache.bytes",
		metric.WithDescription("Encoded entry bytes moved by tier and direction"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return &Counters{
		lookups:    lookups,
		executions: executions,
		stores:     stores,
		errors:     errs,
		bytes:      bytes,
	}, nil
}

// Lookup counts one lookup against tier. hit is false for a miss.
func (c *Counters) Lookup(ctx context.Context, tier Tier, hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.lookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", string(tier)),
		attribute.String("result", result),
	))
}

// Execution counts one tool run and whether its result was cacheable.
func (c *Counters) Execution(ctx context.Context, cacheable bool) {
	if c == nil {
		return
	}
	c.executions.Add(ctx, 1, metric.WithAttributes(attribute.Bool("cacheable", cacheable)))
}

// Store counts one store attempt against tier. result is "stored", "skipped"
// or "failed".
func (c *Counters) Store(ctx context.Context, tier Tier, result string) {
	if c == nil {
		return
	}
	c.stores.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", string(tier)),
		attribute.String("result", result),
	))
}

// Error counts one swallowed error against tier.
func (c *Counters) Error(ctx context.Context, tier Tier, op string) {
	if c == nil {
		return
	}
	c.errors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", string(tier)),
		attribute.String("op", op),
	))
}

// Bytes counts n encoded bytes read ("in") or written ("out") on tier.
func (c *Counters) Bytes(ctx context.Context, tier Tier, direction string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.bytes.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("tier", string(tier)),
		attribute.String("direction", direction),
	))
}
