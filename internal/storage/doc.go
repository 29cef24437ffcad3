// Package storage persists focus/break session records and answers the
// per-day statistics query.
//
// Drivers:
//   - file: append-only JSON Lines journal, compacted into a snapshot
//   - sqlite: a focus_sessions table in a SQLite database
package storage
