package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "jobqueue/pkg/logx"
)

//go:embed migrations.sql
var migrations string

const defaultBusyTimeout = time.Second

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite archive opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendJob(ctx context.Context, rec JobRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, task_name, status, attempts, err, finished_at, data)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   task_name=excluded.task_name, status=excluded.status, attempts=excluded.attempts,
		   err=excluded.err, finished_at=excluded.finished_at, data=excluded.data`,
		rec.ID, rec.TaskName, rec.Status, rec.Attempts, nullStr(rec.Error),
		rec.FinishedAt.UnixNano(), nullStr(string(rec.Data)),
	)
	return err
}

func (s *sqliteStore) RecentJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_name, status, attempts, err, finished_at, data
		 FROM jobs ORDER BY finished_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]JobRecord, 0, limit)
	for rows.Next() {
		var (
			rec      JobRecord
			errMsg   sql.NullString
			finished int64
			data     sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.TaskName, &rec.Status, &rec.Attempts, &errMsg, &finished, &data); err != nil {
			return nil, err
		}
		rec.Error = errMsg.String
		rec.FinishedAt = time.Unix(0, finished).UTC()
		if data.Valid {
			rec.Data = []byte(data.String)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
