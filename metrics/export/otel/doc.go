// Package otel publishes goIdP engine counters through an OpenTelemetry Meter.
//
// [NewOTelExporter] registers one Int64ObservableCounter per engine counter and one
// Int64ObservableGauge per histogram bucket. A single callback reads
// [goIdP.Engine.MetricsSnapshot] on each collection cycle. Callers own the
// MeterProvider.
package otel
