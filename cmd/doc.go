// Package cmd implements the command-line interface for inboxflow.
//
// This package provides the following commands:
//   - auth: connect, inspect and disconnect the Google account
//   - run: process one batch of messages and exit
//   - watch: poll on an interval and serve /metrics, /healthz and the OAuth callback
//   - executions: list recent execution records
//   - version: display version information
package cmd
