// Package prometheus renders goIdP engine counters in Prometheus text exposition
// format. Counter names are goidp_*_total; the single histogram is
// goidp_token_latency_seconds. Nothing is registered globally; callers mount
// [PrometheusExporter.Handler].
package prometheus
