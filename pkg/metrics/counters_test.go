package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return rm
}

// sumWhere adds the data points of the named counter whose attributes
// contain every pair in want.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name string, want ...attribute.KeyValue) int64 {
	t.Helper()
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("expected Sum[int64] for %s, got %T", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				match := true
				for _, kv := range want {
					v, ok := dp.Attributes.Value(kv.Key)
					if !ok || v != kv.Value {
						match = false
						break
					}
				}
				if match {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	c, err := NewCounters(mp.Meter("test"))
	if err != nil {
		t.Fatalf("failed to create counters: %v", err)
	}

	ctx := context.Background()
	c.Lookup(ctx, TierLocal, false)
	c.Lookup(ctx, TierRemote, true)
	c.Lookup(ctx, TierLocal, true)
	c.Lookup(ctx, TierLocal, true)
	c.Execution(ctx, true)
	c.Execution(ctx, false)
	c.Store(ctx, TierLocal, "stored")
	c.Store(ctx, TierRemote, "failed")
	c.Error(ctx, TierRemote, "publish")
	c.Bytes(ctx, TierLocal, "out", 128)
	c.Bytes(ctx, TierLocal, "out", 0)

	rm := collect(t, reader)

	tier := func(tr Tier) attribute.KeyValue { return attribute.String("tier", string(tr)) }
	cases := []struct {
		name string
		want int64
		got  int64
	}{
		{"local hits", 2, sumWhere(t, rm, "toolcache.lookups", tier(TierLocal), attribute.String("result", "hit"))},
		{"local misses", 1, sumWhere(t, rm, "toolcache.lookups", tier(TierLocal), attribute.String("result", "miss"))},
		{"remote hits", 1, sumWhere(t, rm, "toolcache.lookups", tier(TierRemote), attribute.String("result", "hit"))},
		{"executions", 2, sumWhere(t, rm, "toolcache.executions")},
		{"uncacheable", 1, sumWhere(t, rm, "toolcache.executions", attribute.Bool("cacheable", false))},
		{"local stores", 1, sumWhere(t, rm, "toolcache.stores", tier(TierLocal))},
		{"remote errors", 1, sumWhere(t, rm, "toolcache.errors", tier(TierRemote), attribute.String("op", "publish"))},
		{"bytes out", 128, sumWhere(t, rm, "toolcache.bytes", attribute.String("direction", "out"))},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("%s: expected %d, got %d", tc.name, tc.want, tc.got)
		}
	}
}

func TestNilCounters(t *testing.T) {
	var c *Counters
	ctx := context.Background()
	c.Lookup(ctx, TierLocal, true)
	c.Execution(ctx, true)
	c.Store(ctx, TierLocal, "stored")
	c.Error(ctx, TierLocal, "commit")
	c.Bytes(ctx, TierLocal, "in", 1)
}

func TestCountersGlobalProvider(t *testing.T) {
	c, err := NewCounters(nil)
	if err != nil {
		t.Fatalf("failed to create counters: %v", err)
	}
	c.Lookup(context.Background(), TierLocal, true)
}
