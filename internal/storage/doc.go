// Package storage persists verification attempts, per-chat schemes, the
// operation audit trail and daily statistics.
//
// The only backend is SQLite (modernc.org/sqlite, pure Go). A path of
// ":memory:" keeps everything in process, which tests use.
package storage
