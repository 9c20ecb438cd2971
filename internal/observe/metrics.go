// Package observe provides application-wide observability primitives for
// Triksteris: OpenTelemetry metrics, tracing helpers, and structured logging
// enrichment.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. All [Metrics] recording methods
// are nil-receiver safe, so callers can hold an optional *Metrics and skip
// the wiring in tests.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/pamoka-labs/triksteris/pkg/provider/llm"
)

// meterName is the instrumentation scope name used for all Triksteris metrics.
const meterName = "github.com/pamoka-labs/triksteris"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// AICallDuration tracks end-to-end AI call latency. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("mode", ...), attribute.String("status", ...)
	AICallDuration metric.Float64Histogram

	// TokensUsed counts consumed tokens. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("direction", "prompt"|"completion")
	TokensUsed metric.Int64Counter

	// Redactions counts replies replaced by the safety fallback, by boundary.
	Redactions metric.Int64Counter

	// InjectionWarnings counts suspicious student inputs, by pattern category.
	InjectionWarnings metric.Int64Counter

	// Transitions counts fired phase transitions, by transition name.
	Transitions metric.Int64Counter

	// MalformedReplies counts calls whose reply stayed malformed after the
	// retry.
	MalformedReplies metric.Int64Counter

	// ActiveSessions tracks the number of live game sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// streamed LLM calls.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.AICallDuration, err = m.Float64Histogram("triksteris.ai.duration",
		metric.WithDescription("End-to-end AI call latency by provider, mode, and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TokensUsed, err = m.Int64Counter("triksteris.ai.tokens",
		metric.WithDescription("Consumed tokens by provider and direction."),
	); err != nil {
		return nil, err
	}
	if met.Redactions, err = m.Int64Counter("triksteris.safety.redactions",
		metric.WithDescription("Replies replaced by the safety fallback, by boundary."),
	); err != nil {
		return nil, err
	}
	if met.InjectionWarnings, err = m.Int64Counter("triksteris.safety.injection_warnings",
		metric.WithDescription("Suspicious student inputs by pattern category."),
	); err != nil {
		return nil, err
	}
	if met.Transitions, err = m.Int64Counter("triksteris.phase.transitions",
		metric.WithDescription("Fired phase transitions by name."),
	); err != nil {
		return nil, err
	}
	if met.MalformedReplies, err = m.Int64Counter("triksteris.ai.malformed_replies",
		metric.WithDescription("Calls whose reply stayed malformed after the retry."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("triksteris.active_sessions",
		metric.WithDescription("Number of live game sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("triksteris.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// ObserveAICall records one AI call's latency with its outcome status.
func (m *Metrics) ObserveAICall(ctx context.Context, provider, mode string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.AICallDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("mode", mode),
			attribute.String("status", status),
		),
	)
}

// AddUsage records the token accounting of one AI call.
func (m *Metrics) AddUsage(ctx context.Context, provider string, u llm.Usage) {
	if m == nil {
		return
	}
	m.TokensUsed.Add(ctx, int64(u.PromptTokens),
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("direction", "prompt"),
		),
	)
	m.TokensUsed.Add(ctx, int64(u.CompletionTokens),
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("direction", "completion"),
		),
	)
}

// CountRedaction records one safety redaction.
func (m *Metrics) CountRedaction(ctx context.Context, boundary string) {
	if m == nil {
		return
	}
	m.Redactions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("boundary", boundary)),
	)
}

// CountInjectionWarning records one advisory input detection.
func (m *Metrics) CountInjectionWarning(ctx context.Context, category string) {
	if m == nil {
		return
	}
	m.InjectionWarnings.Add(ctx, 1,
		metric.WithAttributes(attribute.String("category", category)),
	)
}

// CountTransition records one fired phase transition.
func (m *Metrics) CountTransition(ctx context.Context, transition string) {
	if m == nil {
		return
	}
	m.Transitions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("transition", transition)),
	)
}

// CountMalformed records one reply that stayed malformed after the retry.
func (m *Metrics) CountMalformed(ctx context.Context) {
	if m == nil {
		return
	}
	m.MalformedReplies.Add(ctx, 1)
}

// SessionOpened increments the live session gauge.
func (m *Metrics) SessionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1)
}

// SessionClosed decrements the live session gauge.
func (m *Metrics) SessionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1)
}
