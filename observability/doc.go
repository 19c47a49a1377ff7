// Package observability provides SQLite-native monitoring components: a
// metrics timeseries, an operation-level audit trail, domain event logs,
// HTTP request logs and liveness heartbeats, all without external
// collectors.
//
// Each component writes to a shared observability database (separate from the
// application database to avoid write contention). Call Init() on the shared
// *sql.DB first, then pass it to the individual constructors.
//
// All persistence is async and non-blocking: buffer overflow silently drops
// datapoints rather than applying backpressure to the analysis path.
package observability
