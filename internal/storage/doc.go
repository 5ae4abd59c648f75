// Package storage persists subscribers and messages.
//
// Two SQL dialects are supported behind one Store:
//   - sqlite (modernc.org/sqlite, single connection, WAL)
//   - postgres (lib/pq)
//
// Timestamps are stored as unix milliseconds so both dialects scan the same way.
package storage
