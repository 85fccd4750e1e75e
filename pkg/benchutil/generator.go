// Package benchutil provides synthetic event generation for benchmarks and testing.
package benchutil

import (
	"math/rand"
	"sort"
	"time"
)

// FakeEvent represents a synthetic timestamped event for benchmarks.
type FakeEvent struct {
	Timestamp int64 // epoch millis, UTC
	Metric    int64
	HasMetric bool
}

// Shape controls how timestamps are distributed over the time range.
type Shape int

const (
	// ShapeUniform spreads events evenly across the range.
	ShapeUniform Shape = iota
	// ShapeBursty clusters events into a small number of dense windows.
	ShapeBursty
	// ShapeRamp skews events toward the end of the range.
	ShapeRamp
)

// GeneratorConfig configures synthetic event generation.
type GeneratorConfig struct {
	// NumEvents is the total number of events to generate.
	NumEvents int
	// Start is the inclusive lower bound of the time range.
	Start time.Time
	// Span is the width of the time range.
	Span time.Duration
	// Shape selects the timestamp distribution.
	Shape Shape
	// MetricFraction is the fraction of events carrying a metric value (0.0-1.0).
	MetricFraction float64
	// Seed for reproducible generation. 0 = use default seed.
	Seed int64
}

// DefaultConfig returns a reasonable default configuration: one day of
// uniformly spread events.
func DefaultConfig(numEvents int) GeneratorConfig {
	return GeneratorConfig{
		NumEvents:      numEvents,
		Start:          time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Span:           24 * time.Hour,
		Shape:          ShapeUniform,
		MetricFraction: 0.8,
		Seed:           BenchmarkSeed,
	}
}

// WideRangeConfig returns a config spanning several years, which forces
// the aggregator through multiple escalations.
func WideRangeConfig(numEvents int) GeneratorConfig {
	cfg := DefaultConfig(numEvents)
	cfg.Span = 3 * 365 * 24 * time.Hour
	cfg.Shape = ShapeBursty
	return cfg
}

// Generator generates synthetic timestamped events.
type Generator struct {
	cfg GeneratorConfig
	rng *rand.Rand
}

// NewGenerator creates a new event generator.
func NewGenerator(cfg GeneratorConfig) *Generator {
	seed := cfg.Seed
	if seed == 0 {
		seed = BenchmarkSeed
	}
	return &Generator{
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Generate produces the configured number of events sorted by timestamp.
func (g *Generator) Generate() []FakeEvent {
	events := make([]FakeEvent, g.cfg.NumEvents)
	startMillis := g.cfg.Start.UnixMilli()
	spanMillis := g.cfg.Span.Milliseconds()
	if spanMillis <= 0 {
		spanMillis = 1
	}

	for i := range events {
		events[i] = FakeEvent{
			Timestamp: startMillis + g.offset(spanMillis),
			Metric:    g.rng.Int63n(1000),
			HasMetric: g.rng.Float64() < g.cfg.MetricFraction,
		}
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp < events[j].Timestamp
	})
	return events
}

func (g *Generator) offset(spanMillis int64) int64 {
	switch g.cfg.Shape {
	case ShapeBursty:
		// 8 narrow windows, each 1/200th of the span wide.
		burst := g.rng.Int63n(8)
		window := spanMillis / 200
		if window <= 0 {
			window = 1
		}
		return burst*spanMillis/8 + g.rng.Int63n(window)
	case ShapeRamp:
		// Squaring a uniform sample biases toward the high end.
		u := g.rng.Float64()
		return int64(u * u * float64(spanMillis))
	default:
		return g.rng.Int63n(spanMillis)
	}
}

// Timestamps returns just the timestamps of the generated events.
func Timestamps(events []FakeEvent) []int64 {
	out := make([]int64, len(events))
	for i, ev := range events {
		out[i] = ev.Timestamp
	}
	return out
}
