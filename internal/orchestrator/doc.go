// Package orchestrator drives a full compression pipeline: it resolves a
// backend, tiles a grid into canonical patches, batches them through the
// codec and writes the container, or the reverse. It is structured into
// small files by concern:
//
//   - orchestrator.go: Orchestrator type, Request, package-level Encode/Decode.
//   - config.go: Config and package defaults.
//   - gate.go: inference admission for one codec handle.
//   - batch.go: batching with the out-of-memory retry policy.
//   - encode.go / decode.go: the two pipelines.
//   - stats.go / metrics.go: per-call profiling and Prometheus instruments.
//
// Every call constructs its own codec handle and releases it on every exit
// path. No partial results are returned: any failure aborts the call.
package orchestrator
