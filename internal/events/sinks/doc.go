// Package sinks contains events.Sink implementations: structured logs, Prometheus
// counters, Pub/Sub publishing and blob-store archives.
package sinks
