// Package sinks implements progress consumers: Prometheus collectors and
// structured logging. Each satisfies progress.Sink.
package sinks
