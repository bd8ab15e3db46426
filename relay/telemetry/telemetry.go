// Package telemetry integrates relay events with Clue logging and OTel metrics.
package telemetry

import (
	"context"
)

// Logger captures structured logging used throughout the relay. Implementations
// typically delegate to Clue but the interface is intentionally small so tests
// can provide lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter helpers for relay instrumentation. The relay records
// counts only (events emitted, duplicates suppressed, gaps detected, deltas
// throttled, subscriber panics); durations and gauges are left to transports.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
}

// Counter names recorded by the bus and router.
const (
	// MetricEventsEmitted counts events accepted by the sequencer.
	MetricEventsEmitted = "relay_events_emitted"
	// MetricDuplicatesSuppressed counts assistant events dropped by duplicate suppression.
	MetricDuplicatesSuppressed = "relay_duplicates_suppressed"
	// MetricSubscriberPanics counts subscriber callbacks that panicked or errored.
	MetricSubscriberPanics = "relay_subscriber_failures"
	// MetricSeqGaps counts sequence gaps detected by the router.
	MetricSeqGaps = "relay_seq_gaps"
	// MetricDeltasThrottled counts chat deltas withheld by the minimum-interval throttle.
	MetricDeltasThrottled = "relay_chat_deltas_throttled"
	// MetricDeliveriesSkipped counts deliveries skipped because a transport call failed.
	MetricDeliveriesSkipped = "relay_deliveries_skipped"
)
