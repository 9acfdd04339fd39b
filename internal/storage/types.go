package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "memory": SQLite in memory; Path is ignored
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// StatRow is one aggregated statistics bucket.
type StatRow struct {
	Day          string // YYYY-MM-DD, UTC
	ChatID       int64
	LanguageCode string
	Category     string
	Count        int64
}
