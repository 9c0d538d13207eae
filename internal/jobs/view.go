package jobs

import "time"

// Summary is the compact JSON view of a job.
type Summary struct {
	ID        string         `json:"id"`
	TaskName  string         `json:"task_name"`
	Params    map[string]any `json:"params"`
	Status    Status         `json:"status"`
	Attempt   int            `json:"attempt"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
}

// View is the full JSON view of a job.
type View struct {
	Summary
	Policy          PolicyView    `json:"policy"`
	Result          any           `json:"result"`
	Error           *string       `json:"error"`
	History         []AttemptView `json:"history"`
	NextRunAt       *string       `json:"next_run_at"`
	CancelRequested bool          `json:"cancel_requested"`
}

type PolicyView struct {
	TimeoutSeconds        float64  `json:"timeout_seconds"`
	MaxAttempts           int      `json:"max_attempts"`
	BackoffInitialSeconds float64  `json:"backoff_initial_seconds"`
	BackoffMultiplier     float64  `json:"backoff_multiplier"`
	BackoffMaxSeconds     *float64 `json:"backoff_max_seconds"`
	JitterSeconds         float64  `json:"jitter_seconds"`
}

type AttemptView struct {
	Attempt         int      `json:"attempt"`
	StartTime       string   `json:"start_time"`
	EndTime         *string  `json:"end_time"`
	DurationSeconds *float64 `json:"duration_seconds"`
	TimedOut        bool     `json:"timed_out"`
	Success         bool     `json:"success"`
	Error           *string  `json:"error"`
	Traceback       *string  `json:"traceback"`
}

func (j Job) Summary() Summary {
	params := j.Params
	if params == nil {
		params = map[string]any{}
	}
	return Summary{
		ID:        j.ID,
		TaskName:  j.TaskName,
		Params:    params,
		Status:    j.Status,
		Attempt:   j.Attempt,
		CreatedAt: formatTime(j.CreatedAt),
		UpdatedAt: formatTime(j.UpdatedAt),
	}
}

func (j Job) View() View {
	v := View{
		Summary:         j.Summary(),
		Policy:          j.Policy.View(),
		Result:          j.Result,
		Error:           optString(j.Error),
		History:         make([]AttemptView, 0, len(j.History)),
		CancelRequested: j.CancelRequested,
	}
	if j.Status == StatusQueued && !j.NextRunAt.IsZero() {
		s := formatTime(j.NextRunAt)
		v.NextRunAt = &s
	}
	for _, r := range j.History {
		v.History = append(v.History, r.View())
	}
	return v
}

func (p RetryPolicy) View() PolicyView {
	v := PolicyView{
		TimeoutSeconds:        p.Timeout.Seconds(),
		MaxAttempts:           p.MaxAttempts,
		BackoffInitialSeconds: p.BackoffInitial.Seconds(),
		BackoffMultiplier:     p.BackoffMultiplier,
		JitterSeconds:         p.Jitter.Seconds(),
	}
	if p.BackoffMax > 0 {
		s := p.BackoffMax.Seconds()
		v.BackoffMaxSeconds = &s
	}
	return v
}

func (r AttemptRecord) View() AttemptView {
	v := AttemptView{
		Attempt:   r.Attempt,
		StartTime: formatTime(r.StartTime),
		TimedOut:  r.TimedOut,
		Success:   r.Success,
		Error:     optString(r.Error),
		Traceback: optString(r.Traceback),
	}
	if r.Finished() {
		end := formatTime(r.EndTime)
		dur := r.Duration.Seconds()
		v.EndTime = &end
		v.DurationSeconds = &dur
	}
	return v
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
