// Package metrics records cache phase latencies and outcome counters.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Phase names one timed step of a cached run.
type Phase string

const (
	PhaseKey           Phase = "key"
	PhaseLocalLookup   Phase = "local_lookup"
	PhaseRemoteFetch   Phase = "remote_fetch"
	PhaseMaterialize   Phase = "materialize"
	PhaseExecute       Phase = "execute"
	PhaseEncode        Phase = "encode"
	PhaseLocalCommit   Phase = "local_commit"
	PhaseRemotePublish Phase = "remote_publish"
	PhaseSweep         Phase = "sweep"
	PhaseTotal         Phase = "total"
)

// LatencyTracker keeps one DDSketch per phase. It is safe for concurrent use;
// a nil tracker drops every sample.
type LatencyTracker struct {
	mu               sync.Mutex
	sketches         map[Phase]*ddsketch.DDSketch
	relativeAccuracy float64
}

// NewLatencyTracker creates a tracker whose quantile estimates are within
// relativeAccuracy of the true value (0.01 = 1%).
func NewLatencyTracker(relativeAccuracy float64) *LatencyTracker {
	return &LatencyTracker{
		sketches:         make(map[Phase]*ddsketch.DDSketch),
		relativeAccuracy: relativeAccuracy,
	}
}

// Record adds one sample for phase, in milliseconds.
func (lt *LatencyTracker) Record(phase Phase, d time.Duration) {
	if lt == nil {
		return
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, ok := lt.sketches[phase]
	if !ok {
		var err error
		sketch, err = ddsketch.LogUnboundedDenseDDSketch(lt.relativeAccuracy)
		if err != nil {
			sketch, _ = ddsketch.NewDefaultDDSketch(lt.relativeAccuracy)
		}
		lt.sketches[phase] = sketch
	}
	_ = sketch.Add(float64(d.Microseconds()) / 1000.0)
}

// Since records the time elapsed since start. Intended for defer.
func (lt *LatencyTracker) Since(phase Phase, start time.Time) {
	lt.Record(phase, time.Since(start))
}

// Time runs fn and records how long it took.
func (lt *LatencyTracker) Time(phase Phase, fn func() error) error {
	start := time.Now()
	err := fn()
	lt.Record(phase, time.Since(start))
	return err
}

// Stats summarizes the samples of one phase. Values are milliseconds.
type Stats struct {
	Phase Phase
	Count int64
	Min   float64
	P50   float64
	P90   float64
	P99   float64
	Max   float64
}

func (s Stats) String() string {
	if s.Count == 0 {
		return fmt.Sprintf("%s: no data", s.Phase)
	}
	return fmt.Sprintf("%s (n=%d): min=%.2fms p50=%.2fms p90=%.2fms p99=%.2fms max=%.2fms",
		s.Phase, s.Count, s.Min, s.P50, s.P90, s.P99, s.Max)
}

// Quantile returns the estimated value at q (0 to 1) for phase.
func (lt *LatencyTracker) Quantile(phase Phase, q float64) (float64, error) {
	if lt == nil {
		return 0, fmt.Errorf("no samples for phase %s", phase)
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, ok := lt.sketches[phase]
	if !ok {
		return 0, fmt.Errorf("no samples for phase %s", phase)
	}
	return sketch.GetValueAtQuantile(q)
}

// Stats returns the summary for phase.
func (lt *LatencyTracker) Stats(phase Phase) (Stats, error) {
	if lt == nil {
		return Stats{}, fmt.Errorf("no samples for phase %s", phase)
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, ok := lt.sketches[phase]
	if !ok {
		return Stats{}, fmt.Errorf("no samples for phase %s", phase)
	}
	return summarize(phase, sketch), nil
}

// AllStats returns a summary for every phase with samples, sorted by phase.
func (lt *LatencyTracker) AllStats() []Stats {
	if lt == nil {
		return nil
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()

	stats := make([]Stats, 0, len(lt.sketches))
	for phase, sketch := range lt.sketches {
		stats = append(stats, summarize(phase, sketch))
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Phase < stats[j].Phase })
	return stats
}

// Report renders AllStats one phase per line.
func (lt *LatencyTracker) Report() string {
	var b strings.Builder
	for _, s := range lt.AllStats() {
		b.WriteString("  ")
		b.WriteString(s.String())
		b.WriteByte('\n')
	}
	return b.String()
}

func summarize(phase Phase, sketch *ddsketch.DDSketch) Stats {
	count := sketch.GetCount()
	if count == 0 {
		return Stats{Phase: phase}
	}
	minV, _ := sketch.GetMinValue()
	p50, _ := sketch.GetValueAtQuantile(0.50)
	p90, _ := sketch.GetValueAtQuantile(0.90)
	p99, _ := sketch.GetValueAtQuantile(0.99)
	maxV, _ := sketch.GetMaxValue()
	return Stats{
		Phase: phase,
		Count: int64(count),
		Min:   minV,
		P50:   p50,
		P90:   p90,
		P99:   p99,
		Max:   maxV,
	}
}
