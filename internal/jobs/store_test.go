package jobs

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type catalog map[string]bool

func (c catalog) Has(name string) bool { return c[name] }

func newTestStore(clk Clock, policy RetryPolicy) *Store {
	n := 0
	return NewStore(catalog{"work": true, "other": true},
		WithClock(clk),
		WithDefaultPolicy(policy),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("job-%d", n) }),
		withRand(func() float64 { return 0 }),
	)
}

func testPolicy(maxAttempts int, initial time.Duration) RetryPolicy {
	return RetryPolicy{Timeout: time.Second, MaxAttempts: maxAttempts, BackoffInitial: initial, BackoffMultiplier: 2}
}

func failure(msg string) attemptResult { return attemptResult{Error: msg} }

func mustClaim(t *testing.T, s *Store) ticket {
	t.Helper()
	c := s.claim()
	if c.ticket == nil {
		t.Fatalf("claim returned no job (wait=%v pending=%v)", c.wait, c.pending)
	}
	return *c.ticket
}

func TestSubmitUnknownTask(t *testing.T) {
	t.Parallel()
	s := newTestStore(newFakeClock(), DefaultPolicy())
	_, err := s.Submit("nope", nil, nil)
	if !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("Submit err = %v, want %v", err, ErrUnknownTask)
	}
	var ute *UnknownTaskError
	if !errors.As(err, &ute) || ute.Name != "nope" {
		t.Fatalf("Submit err = %#v, want UnknownTaskError{nope}", err)
	}
	if err.Error() != `unknown task "nope"` {
		t.Fatalf("Error() = %q", err.Error())
	}
	if st := s.Stats(); st.QueueLen != 0 || st.Submitted != 0 {
		t.Fatalf("Stats = %+v, want nothing queued", st)
	}
}

func TestSubmitInvalidOverrides(t *testing.T) {
	t.Parallel()
	s := newTestStore(newFakeClock(), DefaultPolicy())
	_, err := s.Submit("work", nil, &PolicyOverrides{MaxAttempts: ptr(0)})
	if !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("Submit err = %v, want %v", err, ErrInvalidPolicy)
	}
}

func TestSubmitCreatesQueuedJob(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := newTestStore(clk, DefaultPolicy())
	j, err := s.Submit("work", map[string]any{"n": 1}, nil)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if j.Status != StatusQueued || j.Attempt != 0 || len(j.History) != 0 {
		t.Fatalf("job = %+v, want fresh queued job", j)
	}
	if !j.NextRunAt.Equal(clk.Now()) || !j.CreatedAt.Equal(clk.Now()) {
		t.Fatalf("NextRunAt = %v, CreatedAt = %v, want now", j.NextRunAt, j.CreatedAt)
	}
	if j.Policy != DefaultPolicy() {
		t.Fatalf("Policy = %+v, want default", j.Policy)
	}
}

func TestClaimOrdersByDueThenSequence(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := newTestStore(clk, testPolicy(3, time.Second))
	a, _ := s.Submit("work", nil, nil)
	b, _ := s.Submit("work", nil, nil)
	c, _ := s.Submit("work", nil, nil)

	// a fails and is pushed one second out; b and c keep submit order.
	ta := mustClaim(t, s)
	if ta.JobID != a.ID {
		t.Fatalf("first claim = %s, want %s", ta.JobID, a.ID)
	}
	if _, ok := s.complete(ta, failure("x")); !ok {
		t.Fatal("complete failed")
	}
	if got := mustClaim(t, s).JobID; got != b.ID {
		t.Fatalf("second claim = %s, want %s", got, b.ID)
	}
	if got := mustClaim(t, s).JobID; got != c.ID {
		t.Fatalf("third claim = %s, want %s", got, c.ID)
	}

	res := s.claim()
	if res.ticket != nil || !res.pending || res.wait != time.Second {
		t.Fatalf("claim = %+v, want wait 1s", res)
	}
	clk.Advance(time.Second)
	if got := mustClaim(t, s); got.JobID != a.ID || got.Attempt != 2 {
		t.Fatalf("claim = %+v, want %s attempt 2", got, a.ID)
	}
}

func TestClaimOnEmptyQueue(t *testing.T) {
	t.Parallel()
	s := newTestStore(newFakeClock(), DefaultPolicy())
	res := s.claim()
	if res.ticket != nil || res.pending || res.wake == nil {
		t.Fatalf("claim = %+v, want idle with wake channel", res)
	}
}

func TestSubmitWakesWaiters(t *testing.T) {
	t.Parallel()
	s := newTestStore(newFakeClock(), DefaultPolicy())
	wake := s.claim().wake
	if _, err := s.Submit("work", nil, nil); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	select {
	case <-wake:
	default:
		t.Fatal("wake channel not closed by Submit")
	}
}

func TestCancelQueuedIsDiscardedLazily(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := newTestStore(clk, testPolicy(3, time.Hour))
	j, _ := s.Submit("work", nil, nil)

	// First attempt fails; the retry lands an hour out.
	tk := mustClaim(t, s)
	d, _ := s.complete(tk, failure("first"))
	if d.Job.Status != StatusQueued || d.Delay != time.Hour {
		t.Fatalf("decision = %+v, want queued with 1h delay", d)
	}

	if !s.Cancel(j.ID) {
		t.Fatal("Cancel = false, want true")
	}
	got, _ := s.Get(j.ID)
	if got.Status != StatusCancelled || !got.CancelRequested {
		t.Fatalf("after cancel: status=%s cancel_requested=%v", got.Status, got.CancelRequested)
	}
	if st := s.Stats(); st.QueueLen != 1 {
		t.Fatalf("QueueLen = %d, want stale entry kept", st.QueueLen)
	}

	clk.Advance(2 * time.Hour)
	res := s.claim()
	if res.ticket != nil {
		t.Fatalf("claim handed out cancelled job %s", res.ticket.JobID)
	}
	if res.pending {
		t.Fatal("pending = true, want empty queue after discarding")
	}
	st := s.Stats()
	if st.QueueLen != 0 || st.StaleDiscarded != 1 {
		t.Fatalf("Stats = %+v, want stale entry discarded", st)
	}
	got, _ = s.Get(j.ID)
	if got.Attempt != 1 || len(got.History) != 1 {
		t.Fatalf("attempt = %d history = %d, want 1/1", got.Attempt, len(got.History))
	}
}

func TestCancelRunningWinsOverRetry(t *testing.T) {
	t.Parallel()
	s := newTestStore(newFakeClock(), testPolicy(5, time.Second))
	j, _ := s.Submit("work", nil, nil)
	tk := mustClaim(t, s)

	if !s.Cancel(j.ID) {
		t.Fatal("Cancel = false, want true")
	}
	got, _ := s.Get(j.ID)
	if got.Status != StatusRunning || !got.CancelRequested {
		t.Fatalf("status=%s cancel_requested=%v, want running/true", got.Status, got.CancelRequested)
	}

	d, ok := s.complete(tk, failure("boom"))
	if !ok {
		t.Fatal("complete failed")
	}
	if d.Job.Status != StatusCancelled {
		t.Fatalf("Status = %s, want %s", d.Job.Status, StatusCancelled)
	}
	if d.Job.Error != "boom" {
		t.Fatalf("Error = %q, want boom", d.Job.Error)
	}
	if s.Stats().QueueLen != 0 {
		t.Fatal("cancelled job was requeued")
	}
}

func TestCancelRunningThenSuccess(t *testing.T) {
	t.Parallel()
	s := newTestStore(newFakeClock(), testPolicy(5, time.Second))
	j, _ := s.Submit("work", nil, nil)
	tk := mustClaim(t, s)
	s.Cancel(j.ID)
	d, _ := s.complete(tk, attemptResult{Success: true, Result: "done"})
	if d.Job.Status != StatusSucceeded || d.Job.Result != "done" {
		t.Fatalf("job = %+v, want succeeded", d.Job)
	}
}

func TestCancelUnknownAndTerminal(t *testing.T) {
	t.Parallel()
	s := newTestStore(newFakeClock(), testPolicy(1, time.Second))
	if s.Cancel("missing") {
		t.Fatal("Cancel(missing) = true, want false")
	}
	j, _ := s.Submit("work", nil, nil)
	tk := mustClaim(t, s)
	s.complete(tk, failure("done"))

	before, _ := s.Get(j.ID)
	if !s.Cancel(j.ID) {
		t.Fatal("Cancel(terminal) = false, want true")
	}
	after, _ := s.Get(j.ID)
	if after.Status != StatusFailed || after.CancelRequested || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("terminal job changed by cancel: %+v", after)
	}
}

func TestAttemptAccountingAndExhaustion(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := newTestStore(clk, testPolicy(2, time.Second))
	j, _ := s.Submit("work", nil, nil)

	for i := 1; i <= 2; i++ {
		tk := mustClaim(t, s)
		got, _ := s.Get(j.ID)
		if got.Attempt != len(got.History) || got.Attempt != i {
			t.Fatalf("attempt = %d, history = %d, want %d", got.Attempt, len(got.History), i)
		}
		for k, r := range got.History {
			if r.Attempt != k+1 {
				t.Fatalf("history[%d].Attempt = %d, want %d", k, r.Attempt, k+1)
			}
		}
		if got.History[i-1].Finished() {
			t.Fatal("live attempt record already finalized")
		}
		clk.Advance(250 * time.Millisecond)
		s.complete(tk, failure(fmt.Sprintf("fail %d", i)))
		clk.Advance(time.Second)
	}

	got, _ := s.Get(j.ID)
	if got.Status != StatusFailed {
		t.Fatalf("Status = %s, want %s", got.Status, StatusFailed)
	}
	if len(got.History) != 2 || got.Error != "fail 2" {
		t.Fatalf("history = %d error = %q, want 2 / fail 2", len(got.History), got.Error)
	}
	for _, r := range got.History {
		if !r.Finished() || r.Success || r.Duration != 250*time.Millisecond {
			t.Fatalf("record = %+v, want finished failure of 250ms", r)
		}
	}
}

func TestRetryThenSuccessClearsError(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := newTestStore(clk, testPolicy(3, time.Second))
	j, _ := s.Submit("work", nil, nil)

	tk := mustClaim(t, s)
	s.complete(tk, attemptResult{Error: "Attempt timed out after 1.0 seconds", TimedOut: true})
	clk.Advance(time.Second)
	tk = mustClaim(t, s)
	s.complete(tk, attemptResult{Success: true, Result: map[string]any{"ok": true}})

	got, _ := s.Get(j.ID)
	if got.Status != StatusSucceeded || got.Error != "" {
		t.Fatalf("status=%s error=%q, want succeeded with no error", got.Status, got.Error)
	}
	if !got.History[0].TimedOut || got.History[1].TimedOut {
		t.Fatalf("timed_out flags = %v/%v, want true/false", got.History[0].TimedOut, got.History[1].TimedOut)
	}
	if st := s.Stats(); st.AttemptsTimedOut != 1 || st.RetriesScheduled != 1 || st.Succeeded != 1 {
		t.Fatalf("Stats = %+v", st)
	}
}

func TestCompleteIgnoresStaleTicket(t *testing.T) {
	t.Parallel()
	s := newTestStore(newFakeClock(), testPolicy(3, 0))
	s.Submit("work", nil, nil)
	tk := mustClaim(t, s)
	if _, ok := s.complete(tk, failure("x")); !ok {
		t.Fatal("first complete failed")
	}
	if _, ok := s.complete(tk, failure("again")); ok {
		t.Fatal("second complete for the same attempt succeeded")
	}
}

func TestGetAndListReturnCopies(t *testing.T) {
	t.Parallel()
	s := newTestStore(newFakeClock(), DefaultPolicy())
	j, _ := s.Submit("work", map[string]any{"nested": map[string]any{"k": "v"}}, nil)
	s.Submit("other", nil, nil)

	got, _ := s.Get(j.ID)
	got.Params["nested"].(map[string]any)["k"] = "mutated"
	got.Status = StatusFailed

	again, _ := s.Get(j.ID)
	if again.Params["nested"].(map[string]any)["k"] != "v" || again.Status != StatusQueued {
		t.Fatalf("store state leaked through Get: %+v", again)
	}

	all := s.List("")
	if len(all) != 2 || all[0].ID != j.ID {
		t.Fatalf("List = %d jobs (first %s), want 2 in submit order", len(all), all[0].ID)
	}
	if running := s.List(StatusRunning); len(running) != 0 {
		t.Fatalf("List(running) = %d, want 0", len(running))
	}
}

func TestClosedStoreRejectsSubmit(t *testing.T) {
	t.Parallel()
	s := newTestStore(newFakeClock(), DefaultPolicy())
	s.Close()
	if _, err := s.Submit("work", nil, nil); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit err = %v, want %v", err, ErrStopped)
	}
	if got := s.Stats().Queued; got != 0 {
		t.Fatalf("Stats.Queued = %d, want 0", got)
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()
	if s, err := ParseStatus(" Queued "); err != nil || s != StatusQueued {
		t.Fatalf("ParseStatus = %q, %v", s, err)
	}
	if s, err := ParseStatus(""); err != nil || s != "" {
		t.Fatalf("ParseStatus(empty) = %q, %v", s, err)
	}
	if _, err := ParseStatus("done"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("ParseStatus(done) err = %v", err)
	}
}
