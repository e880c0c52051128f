// Package observe holds the OpenTelemetry instruments for speech generation.
// Tests build Metrics from their own MeterProvider; the server installs a
// Prometheus-backed provider with InitProvider.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "csmvoice"

const (
	StatusSuccess = "success"
	StatusFailure = "failure"

	OutcomeMatched = "matched"
	OutcomeCreated = "created"
	OutcomeFailed  = "failed"
)

type Metrics struct {
	SynthesisDuration metric.Float64Histogram
	AudioDuration     metric.Float64Histogram

	// Generations counts requests by attribute.String("status", ...).
	Generations metric.Int64Counter

	// PresetsAutosaved counts auto-save outcomes by attribute.String("outcome", ...).
	PresetsAutosaved metric.Int64Counter

	HTTPRequestDuration metric.Float64Histogram
}

// Synthesis on CPU runs from well under a second to tens of seconds.
var synthesisBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120,
}

var audioBuckets = []float64{
	0.5, 1, 2, 5, 10, 20, 30, 60,
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SynthesisDuration, err = m.Float64Histogram("csmvoice.synthesis.duration",
		metric.WithDescription("Wall clock time spent in the synthesis backend."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(synthesisBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AudioDuration, err = m.Float64Histogram("csmvoice.audio.duration",
		metric.WithDescription("Length of generated audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(audioBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Generations, err = m.Int64Counter("csmvoice.generations",
		metric.WithDescription("Generation requests by status."),
	); err != nil {
		return nil, err
	}
	if met.PresetsAutosaved, err = m.Int64Counter("csmvoice.presets.autosaved",
		metric.WithDescription("Auto-save bookkeeping by outcome."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("csmvoice.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics builds instruments on the global provider once.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

func (m *Metrics) RecordGeneration(ctx context.Context, status string) {
	m.Generations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) RecordAutosave(ctx context.Context, outcome string) {
	m.PresetsAutosaved.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordSynthesis(ctx context.Context, elapsed, audioSeconds float64) {
	m.SynthesisDuration.Record(ctx, elapsed)
	m.AudioDuration.Record(ctx, audioSeconds)
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, status int, seconds float64) {
	m.HTTPRequestDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("route", route),
			attribute.Int("status", status),
		),
	)
}
