package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"jobqueue/internal/isolate"
	"jobqueue/internal/jobs"
	"jobqueue/internal/storage"
	"jobqueue/internal/tasks"
	logx "jobqueue/pkg/logx"
)

type fixture struct {
	srv  *httptest.Server
	jobs *jobs.Service
}

func newFixture(t *testing.T, cfg Config, start bool, archive storage.Store) *fixture {
	t.Helper()
	reg := tasks.NewRegistry()
	tasks.RegisterBuiltins(reg)

	store := jobs.NewStore(reg)
	svc := jobs.New(jobs.Config{Enabled: true, Workers: 2, PollInterval: 20 * time.Millisecond}, store, isolate.InlineExecutor{Registry: reg}, logx.Nop(), nil)
	if archive != nil {
		svc.SetArchiver(storage.NewArchiver(archive))
	}
	if start {
		svc.Start(context.Background())
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			svc.Stop(ctx)
		})
	}

	deps := Deps{Jobs: svc, Tasks: reg}
	if archive != nil {
		deps.Archive = archive
	}
	srv := httptest.NewServer(NewHandler(deps, cfg, logx.Nop()))
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, jobs: svc}
}

func (f *fixture) do(t *testing.T, method, path, body string, hdr ...string) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

func TestSubmitAndGet(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, false, nil)

	code, body := f.do(t, http.MethodPost, "/jobs", `{"task_name":"echo","params":{"message":"hi"},"policy":{"max_attempts":5,"timeout_seconds":2.5}}`)
	if code != http.StatusCreated {
		t.Fatalf("POST /jobs = %d %v", code, body)
	}
	id, _ := body["id"].(string)
	if id == "" || body["status"] != "queued" {
		t.Fatalf("created = %v", body)
	}
	pol := body["policy"].(map[string]any)
	if pol["max_attempts"] != float64(5) || pol["timeout_seconds"] != 2.5 || pol["backoff_max_seconds"] != nil {
		t.Fatalf("policy = %v", pol)
	}
	if body["next_run_at"] == nil {
		t.Fatalf("queued job has no next_run_at")
	}

	code, body = f.do(t, http.MethodGet, "/jobs/"+id, "")
	if code != http.StatusOK || body["id"] != id || body["history"] == nil {
		t.Fatalf("GET = %d %v", code, body)
	}
	code, body = f.do(t, http.MethodGet, "/jobs/"+id+"?view=summary", "")
	if code != http.StatusOK {
		t.Fatalf("GET summary = %d", code)
	}
	if _, full := body["policy"]; full {
		t.Fatalf("summary includes policy: %v", body)
	}

	code, body = f.do(t, http.MethodGet, "/jobs?status=queued", "")
	if code != http.StatusOK || len(body["jobs"].([]any)) != 1 {
		t.Fatalf("list = %d %v", code, body)
	}
	code, body = f.do(t, http.MethodGet, "/jobs?status=running", "")
	if code != http.StatusOK || len(body["jobs"].([]any)) != 0 {
		t.Fatalf("list running = %d %v", code, body)
	}
}

func TestSubmitErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, false, nil)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"unknown task", `{"task_name":"nope"}`, http.StatusBadRequest},
		{"missing task", `{"params":{}}`, http.StatusBadRequest},
		{"bad json", `{"task_name":`, http.StatusBadRequest},
		{"unknown field", `{"task_name":"echo","priority":1}`, http.StatusBadRequest},
		{"unknown policy key", `{"task_name":"echo","policy":{"retries":2}}`, http.StatusBadRequest},
		{"invalid policy", `{"task_name":"echo","policy":{"max_attempts":0}}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		code, body := f.do(t, http.MethodPost, "/jobs", tc.body)
		if code != tc.want {
			t.Fatalf("%s: status = %d, want %d (%v)", tc.name, code, tc.want, body)
		}
		if body["error"] == nil {
			t.Fatalf("%s: no error message", tc.name)
		}
	}

	if code, _ := f.do(t, http.MethodGet, "/jobs?status=lost", ""); code != http.StatusBadRequest {
		t.Fatalf("bad status filter = %d, want 400", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/jobs/missing", ""); code != http.StatusNotFound {
		t.Fatalf("GET missing = %d, want 404", code)
	}
	if code, _ := f.do(t, http.MethodPost, "/jobs/missing/cancel", ""); code != http.StatusNotFound {
		t.Fatalf("cancel missing = %d, want 404", code)
	}

	f.jobs.Store().Close()
	if code, _ := f.do(t, http.MethodPost, "/jobs", `{"task_name":"echo"}`); code != http.StatusServiceUnavailable {
		t.Fatalf("submit after close = %d, want 503", code)
	}
}

func TestCancelQueued(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, false, nil)

	_, body := f.do(t, http.MethodPost, "/jobs", `{"task_name":"echo"}`)
	id := body["id"].(string)
	code, body := f.do(t, http.MethodPost, "/jobs/"+id+"/cancel", "")
	if code != http.StatusOK || body["status"] != "cancelled" || body["cancel_requested"] != true {
		t.Fatalf("cancel = %d %v", code, body)
	}
	// terminal jobs still report found
	if code, _ := f.do(t, http.MethodPost, "/jobs/"+id+"/cancel", ""); code != http.StatusOK {
		t.Fatalf("second cancel = %d, want 200", code)
	}
}

func TestRunsToCompletionAndArchives(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "a")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	f := newFixture(t, Config{}, true, st)

	_, body := f.do(t, http.MethodPost, "/jobs", `{"task_name":"echo","params":{"message":"hello"}}`)
	id := body["id"].(string)

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, body = f.do(t, http.MethodGet, "/jobs/"+id, "")
		if body["status"] == "succeeded" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job not finished: %v", body)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if body["error"] != nil || len(body["history"].([]any)) != 1 {
		t.Fatalf("finished job = %v", body)
	}

	// the archive write follows the status change
	var recs []any
	for len(recs) == 0 {
		code, body := f.do(t, http.MethodGet, "/archive?limit=5", "")
		if code != http.StatusOK {
			t.Fatalf("archive = %d %v", code, body)
		}
		recs = body["jobs"].([]any)
		if time.Now().After(deadline) {
			t.Fatalf("job never archived")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(recs) != 1 || recs[0].(map[string]any)["id"] != id {
		t.Fatalf("archive = %v", recs)
	}
	if code, _ := f.do(t, http.MethodGet, "/archive?limit=x", ""); code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d, want 400", code)
	}

	code, body := f.do(t, http.MethodGet, "/stats", "")
	if code != http.StatusOK || body["running"] != true {
		t.Fatalf("stats = %d %v", code, body)
	}
	sup, ok := body["supervisor"].(map[string]any)
	if !ok {
		t.Fatalf("stats.supervisor = %v, want worker supervisor snapshot", body["supervisor"])
	}
	if _, ok := sup["goroutines"].([]any); !ok {
		t.Fatalf("stats.supervisor.goroutines = %v, want a list", sup["goroutines"])
	}
}

func TestTasksTriggersHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, false, nil)

	code, body := f.do(t, http.MethodGet, "/tasks", "")
	if code != http.StatusOK {
		t.Fatalf("tasks = %d", code)
	}
	names := fmt.Sprint(body["tasks"])
	for _, want := range []string{"echo", "flaky", "hang"} {
		if !strings.Contains(names, want) {
			t.Fatalf("tasks = %s, missing %s", names, want)
		}
	}
	if code, body := f.do(t, http.MethodGet, "/triggers", ""); code != http.StatusOK || len(body["triggers"].([]any)) != 0 {
		t.Fatalf("triggers = %d %v", code, body)
	}
	if code, _ := f.do(t, http.MethodGet, "/archive", ""); code != http.StatusNotFound {
		t.Fatalf("archive without storage = %d, want 404", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/healthz", ""); code != http.StatusOK {
		t.Fatalf("healthz = %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/debug/pprof/", ""); code != http.StatusNotFound {
		t.Fatalf("pprof disabled = %d, want 404", code)
	}
}

func TestAuthAndRateLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Token: "s3cret", SubmitRatePerSec: 0.001, SubmitBurst: 1, Pprof: true}, false, nil)

	if code, _ := f.do(t, http.MethodGet, "/jobs", ""); code != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/jobs", "", "Authorization", "Bearer wrong"); code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d, want 401", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/jobs?token=s3cret", ""); code != http.StatusOK {
		t.Fatalf("query token = %d, want 200", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/healthz", ""); code != http.StatusOK {
		t.Fatalf("healthz = %d, want 200 without token", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/debug/pprof/", "", "Authorization", "Bearer s3cret"); code != http.StatusOK {
		t.Fatalf("pprof = %d, want 200", code)
	}

	auth := []string{"Authorization", "Bearer s3cret"}
	if code, _ := f.do(t, http.MethodPost, "/jobs", `{"task_name":"echo"}`, auth...); code != http.StatusCreated {
		t.Fatalf("first submit = %d, want 201", code)
	}
	if code, _ := f.do(t, http.MethodPost, "/jobs", `{"task_name":"echo"}`, auth...); code != http.StatusTooManyRequests {
		t.Fatalf("second submit = %d, want 429", code)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:8080": true,
		"localhost:80":   true,
		"[::1]:9000":     true,
		":8080":          false,
		"0.0.0.0:8080":   false,
		"10.0.0.5:8080":  false,
		"nonsense":       false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestServiceLifecycle(t *testing.T) {
	t.Parallel()
	reg := tasks.NewRegistry()
	tasks.RegisterBuiltins(reg)
	svc := jobs.New(jobs.Config{Enabled: true}, jobs.NewStore(reg), isolate.InlineExecutor{Registry: reg}, logx.Nop(), nil)

	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{Jobs: svc, Tasks: reg}, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	var addr string
	deadline := time.Now().Add(3 * time.Second)
	for addr == "" {
		if time.Now().After(deadline) {
			t.Fatalf("server never bound")
		}
		time.Sleep(10 * time.Millisecond)
		addr = s.Addr()
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Reconfigure(ctx, Config{Enabled: false})
	if s.Supervisor() != nil {
		t.Fatalf("server still running after disable")
	}
}
