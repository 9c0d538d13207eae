package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "jobqueue/pkg/logx"
)

// recentCap bounds the in-memory tail served by RecentJobs.
const recentCap = 1000

// fileStore appends records to <prefix>.jobs.jsonl (JSON Lines).
//
// The most recent records are kept in memory; the tail is reloaded from the
// file on open so RecentJobs survives restarts.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	f      *os.File
	recent []JobRecord // oldest first, at most recentCap
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	jobsPath := filepath.Join(dir, base) + ".jobs.jsonl"

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	recent, err := loadTail(jobsPath, recentCap)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("archive replay failed; starting with empty tail", logx.String("path", jobsPath), logx.Err(err))
		recent = nil
	}

	f, err := os.OpenFile(jobsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("file archive opened", logx.String("path", jobsPath), logx.Int("records", len(recent)))
	return &fileStore{log: log, f: f, recent: recent}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendJob(ctx context.Context, rec JobRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	if _, err := s.f.Write(line); err != nil {
		return err
	}
	s.recent = append(s.recent, rec)
	if len(s.recent) > recentCap {
		s.recent = append(s.recent[:0:0], s.recent[len(s.recent)-recentCap:]...)
	}
	return nil
}

func (s *fileStore) RecentJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, ErrClosed
	}
	if limit > len(s.recent) {
		limit = len(s.recent)
	}
	out := make([]JobRecord, 0, max(limit, 0))
	for i := len(s.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.recent[i])
	}
	return out, nil
}

// loadTail decodes the last n valid records of a JSON Lines file. Malformed
// lines (e.g. a torn final write) are skipped.
func loadTail(path string, n int) ([]JobRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readTail(f, n)
}

func readTail(r io.Reader, n int) ([]JobRecord, error) {
	var out []JobRecord
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		var rec JobRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil || rec.ID == "" {
			continue
		}
		out = append(out, rec)
		if len(out) > 2*n {
			out = append(out[:0:0], out[len(out)-n:]...)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, sc.Err()
}
