// Package sqlite provides the SQLite adapter of the store.Persistence contract.
//
// Paths may be plain file paths, ":memory:", file: URIs or sqlite:// URLs.
// A busy timeout is added so concurrent writers wait for each other instead of
// failing. Timestamps are stored as fixed-width UTC text, which sorts
// chronologically.
package sqlite
