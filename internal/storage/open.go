package storage

import (
	"context"
	"errors"
	"strings"

	logx "jobqueue/pkg/logx"
)

// Store archives finished jobs. It is a history, not a recovery log: nothing
// is replayed into the scheduler on start.
type Store interface {
	AppendJob(ctx context.Context, rec JobRecord) error
	// RecentJobs returns up to limit records, most recently finished first.
	RecentJobs(ctx context.Context, limit int) ([]JobRecord, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
