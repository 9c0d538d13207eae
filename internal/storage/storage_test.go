package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"jobqueue/internal/jobs"
	logx "jobqueue/pkg/logx"
)

func openTest(t *testing.T, driver string) (Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.db")
	st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, path
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("Open(%q) = %v, %v, want nil, nil", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis", Path: "x"}, logx.Nop()); err == nil {
		t.Fatalf("Open(redis) succeeded")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatalf("Open(file) without path succeeded")
	}
}

func TestAppendAndRecent(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st, _ := openTest(t, driver)
			ctx := context.Background()

			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			for i := range 5 {
				rec := JobRecord{
					ID:         fmt.Sprintf("job-%d", i),
					TaskName:   "echo",
					Status:     "succeeded",
					Attempts:   1,
					FinishedAt: base.Add(time.Duration(i) * time.Second),
					Data:       json.RawMessage(`{"k":1}`),
				}
				if i == 4 {
					rec.Status, rec.Error = "failed", "boom"
				}
				if err := st.AppendJob(ctx, rec); err != nil {
					t.Fatalf("AppendJob: %v", err)
				}
			}

			got, err := st.RecentJobs(ctx, 3)
			if err != nil {
				t.Fatalf("RecentJobs: %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("len = %d, want 3", len(got))
			}
			for i, want := range []string{"job-4", "job-3", "job-2"} {
				if got[i].ID != want {
					t.Fatalf("got[%d].ID = %q, want %q", i, got[i].ID, want)
				}
			}
			if got[0].Status != "failed" || got[0].Error != "boom" || !got[0].FinishedAt.Equal(base.Add(4*time.Second)) {
				t.Fatalf("got[0] = %+v", got[0])
			}
			if string(got[1].Data) != `{"k":1}` {
				t.Fatalf("data = %s", got[1].Data)
			}

			all, _ := st.RecentJobs(ctx, 100)
			if len(all) != 5 {
				t.Fatalf("len(all) = %d, want 5", len(all))
			}
			if none, _ := st.RecentJobs(ctx, 0); len(none) != 0 {
				t.Fatalf("limit 0 returned %d records", len(none))
			}
		})
	}
}

func TestReopenKeepsHistory(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "archive.db")
			cfg := Config{Driver: driver, Path: path}

			st, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatal(err)
			}
			if err := st.AppendJob(context.Background(), JobRecord{ID: "a", TaskName: "echo", Status: "succeeded"}); err != nil {
				t.Fatal(err)
			}
			if err := st.Close(); err != nil {
				t.Fatal(err)
			}

			st, err = Open(cfg, logx.Nop())
			if err != nil {
				t.Fatal(err)
			}
			t.Cleanup(func() { _ = st.Close() })
			got, err := st.RecentJobs(context.Background(), 10)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 || got[0].ID != "a" {
				t.Fatalf("after reopen = %+v", got)
			}
		})
	}
}

func TestFileSkipsTornLine(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	jl := filepath.Join(dir, "archive.jobs.jsonl")
	body := `{"id":"a","task_name":"echo","status":"succeeded"}` + "\n" + `{"id":"b","task_na`
	if err := os.WriteFile(jl, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "archive.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	got, _ := st.RecentJobs(context.Background(), 10)
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("records = %+v", got)
	}
}

func TestReadTailBounded(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	for i := range 50 {
		fmt.Fprintf(&b, `{"id":"j%d"}`+"\n", i)
	}
	got, err := readTail(strings.NewReader(b.String()), 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 7 || got[0].ID != "j43" || got[6].ID != "j49" {
		t.Fatalf("tail = %v..%v (%d)", got[0].ID, got[len(got)-1].ID, len(got))
	}
}

func TestClosedStore(t *testing.T) {
	t.Parallel()

	st, _ := openTest(t, "file")
	_ = st.Close()
	if err := st.AppendJob(context.Background(), JobRecord{ID: "x"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("AppendJob after close = %v, want ErrClosed", err)
	}
}

func TestArchiver(t *testing.T) {
	t.Parallel()

	st, _ := openTest(t, "sqlite")
	a := NewArchiver(st)

	now := time.Now().UTC()
	j := jobs.Job{
		ID:        "job-1",
		TaskName:  "fail",
		Params:    map[string]any{"message": "x"},
		Policy:    jobs.DefaultPolicy(),
		Status:    jobs.StatusFailed,
		CreatedAt: now,
		UpdatedAt: now,
		Attempt:   3,
		Error:     "x",
	}
	if err := a.Archive(context.Background(), j); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	got, _ := st.RecentJobs(context.Background(), 1)
	if len(got) != 1 || got[0].Status != "failed" || got[0].Attempts != 3 || got[0].Error != "x" {
		t.Fatalf("record = %+v", got)
	}
	var v jobs.View
	if err := json.Unmarshal(got[0].Data, &v); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if v.ID != "job-1" || v.Policy.MaxAttempts != 3 || v.Error == nil || *v.Error != "x" {
		t.Fatalf("view = %+v", v)
	}

	if err := NewArchiver(nil).Archive(context.Background(), j); !errors.Is(err, ErrDisabled) {
		t.Fatalf("nil store Archive = %v, want ErrDisabled", err)
	}
}
