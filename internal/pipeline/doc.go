// Package pipeline drives messages from a mail source through the
// transformation stage into a document sink.
//
// Each message moves through Fetching, Transforming and Writing in strict
// order and ends Succeeded or Failed. Retry state (attempt count, next
// attempt time, last error) is written to the message's ExecutionRecord
// before every wait, so Resume can continue after a restart. Messages of
// one batch run concurrently up to Config.Concurrency.
//
// Only ConfigError and AuthError abort a batch. Every other failure is
// recorded on the message and siblings carry on.
package pipeline
