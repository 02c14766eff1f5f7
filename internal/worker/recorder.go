package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/chaoss/grimoirelab-core/internal/core"
	"github.com/chaoss/grimoirelab-core/internal/data"
	"github.com/chaoss/grimoirelab-core/internal/domain/model"
	"github.com/chaoss/grimoirelab-core/internal/eventizer"
)

// Recorder accumulates the log trail of one running job and checkpoints
// progress snapshots through the job repository. Every checkpoint persists
// the trail collected so far and reports whether a cancel was requested
// for the job.
type Recorder struct {
	jobs    core.JobRepository
	jobUUID string
	clock   data.TimeProvider

	mu   sync.Mutex
	logs []model.LogEntry
}

var _ eventizer.Recorder = (*Recorder)(nil)

// NewRecorder creates a recorder for one job.
func NewRecorder(jobs core.JobRepository, jobUUID string, clock data.TimeProvider) *Recorder {
	return &Recorder{jobs: jobs, jobUUID: jobUUID, clock: clock}
}

// Log appends a line to the job trail. Lines persist on the next
// checkpoint and with the final outcome.
func (r *Recorder) Log(level, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, model.LogEntry{
		CreatedAt: epochSeconds(r.clock.Now()),
		Msg:       msg,
		Level:     level,
	})
}

// Checkpoint persists a progress snapshot together with the trail and
// reports whether a cancel has been requested.
func (r *Recorder) Checkpoint(ctx context.Context, progress json.RawMessage) (bool, error) {
	return r.jobs.SaveProgress(ctx, r.jobUUID, progress, r.Entries())
}

// Entries returns a copy of the trail collected so far.
func (r *Recorder) Entries() []model.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.LogEntry(nil), r.logs...)
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
