package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": append-only JSON Lines file
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// JobRecord is an archived terminal job. Data holds the full job view as
// JSON; the other fields are indexed copies.
type JobRecord struct {
	ID         string          `json:"id"`
	TaskName   string          `json:"task_name"`
	Status     string          `json:"status"`
	Attempts   int             `json:"attempts"`
	Error      string          `json:"error,omitempty"`
	FinishedAt time.Time       `json:"finished_at"`
	Data       json.RawMessage `json:"data,omitempty"`
}
