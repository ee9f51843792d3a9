// Package progress owns the single write path for a job's progress, statistics,
// logs, status transitions and upload record. Writes for one job are serialised
// by a per-job lock; every successful write is mirrored as an advisory Event to
// a non-blocking Hub that batches events to pluggable sinks such as Prometheus
// metrics or structured logs.
package progress
