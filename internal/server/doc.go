// Package server exposes the HTTP surface of a long-running inboxflow
// process: Prometheus metrics, liveness and readiness probes, and the
// OAuth redirect target that completes the Google consent flow.
//
// Everything is mounted on a single MetricsServer so that `inboxflow watch`
// only needs one listener.
package server
