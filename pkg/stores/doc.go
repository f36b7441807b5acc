// Package stores persists target sources, approval requests, scan jobs,
// installation runs and project history. SQLiteStore keeps state in SQLite
// with embedded migrations; MemoryStore keeps it in process. Both serialize
// Atomic scopes per target source.
package stores
