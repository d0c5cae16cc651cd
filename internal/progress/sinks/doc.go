// Package sinks implements concrete progress consumers: structured logging,
// Prometheus, per-hostname statistics and a message-bus mirror. Each sink
// satisfies the progress.Sink interface and is safe for repeated
// Consume/Close cycles.
package sinks
