// Package storage persists poll state, the tracked-account registry and
// notifier dedup markers.
//
// Backends:
//   - sqlite (default): modernc.org/sqlite, WAL, one connection
//   - file: snapshot + fsynced JSONL journal, no external dependency
//   - postgres: pgx connection pool
//
// Store adds an in-memory LRU cache of match details on top of the backend.
package storage
