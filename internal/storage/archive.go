package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"jobqueue/internal/jobs"
)

// Archiver adapts a Store to jobs.Archiver.
type Archiver struct {
	st Store
}

func NewArchiver(st Store) *Archiver { return &Archiver{st: st} }

func (a *Archiver) Archive(ctx context.Context, j jobs.Job) error {
	if a == nil || a.st == nil {
		return ErrDisabled
	}
	rec, err := RecordFromJob(j)
	if err != nil {
		return err
	}
	return a.st.AppendJob(ctx, rec)
}

// RecordFromJob captures the full job view.
func RecordFromJob(j jobs.Job) (JobRecord, error) {
	data, err := json.Marshal(j.View())
	if err != nil {
		return JobRecord{}, fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	return JobRecord{
		ID:         j.ID,
		TaskName:   j.TaskName,
		Status:     string(j.Status),
		Attempts:   j.Attempt,
		Error:      j.Error,
		FinishedAt: j.UpdatedAt,
		Data:       data,
	}, nil
}
