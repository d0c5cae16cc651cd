// Package progress carries hub lifecycle events (provider connections, query
// fan-outs, job transitions and disconnect recoveries) off the request path.
// A Hub batches them on a background goroutine and fans them out to pluggable
// sinks such as structured logs, Prometheus collectors or a Pub/Sub topic.
package progress
