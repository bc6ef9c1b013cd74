// Package google manages the OAuth credential used to read Gmail.
//
// A Manager builds consent URLs, exchanges authorization codes, and keeps the
// stored access token fresh. Refreshes for one account are coalesced so that
// concurrent pipeline workers trigger at most one refresh-token grant. A
// rejected refresh token clears the stored credential and surfaces as an
// AuthError asking the user to reconnect.
//
// Credentials are persisted through a CredentialStore: the OS keyring by
// default, JSON files under the user cache directory, or memory in tests.
package google
