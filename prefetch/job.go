package prefetch

import (
	"context"
	"time"

	"github.com/meigma/ttscache"
	"github.com/meigma/ttscache/pool"
)

// State is the lifecycle phase of a prefetch job.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StatePaused    State = "paused"
)

// Terminal reports whether the state is final. Paused jobs are not
// terminal; they can be resumed.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Kind tags what started a job.
type Kind string

const (
	// KindUpcoming is a playback-driven lookahead window.
	KindUpcoming Kind = "upcoming"
	// KindBatch is an operator-driven pre-generation run.
	KindBatch Kind = "batch"
)

// Progress counts per-item outcomes for a job. Completed is the number
// of items processed regardless of outcome.
type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Cached    int `json:"cached"`
	Generated int `json:"generated"`
	Failed    int `json:"failed"`
}

// Percent reports completion in percent. An empty job is complete.
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 100
	}
	return float64(p.Completed) / float64(p.Total) * 100
}

// JobView is an immutable snapshot of a job.
type JobView struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Label      string    `json:"label,omitempty"`
	State      State     `json:"state"`
	Progress   Progress  `json:"progress"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	Err        string    `json:"error,omitempty"`
}

// job is the mutable record behind a JobView. All fields below the
// comment are guarded by the prefetcher mutex; the rest are fixed at
// creation (or at resume, for ctx and cancel).
type job struct {
	id       string
	kind     Kind
	label    string
	segments []string
	voice    ttscache.VoiceConfig
	prio     pool.Priority
	retry    bool
	cache    Cache

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// guarded by Prefetcher.mu
	state    State
	progress Progress
	created  time.Time
	started  time.Time
	finished time.Time
	err      error
	next     int
}

// finishLocked moves the job to a terminal state and releases waiters.
// No-op when the job is already terminal.
func (j *job) finishLocked(state State, err error, now time.Time) {
	if j.state.Terminal() {
		return
	}
	j.state = state
	j.err = err
	j.finished = now
	close(j.done)
}

func (j *job) viewLocked() JobView {
	v := JobView{
		ID:         j.id,
		Kind:       j.kind,
		Label:      j.label,
		State:      j.state,
		Progress:   j.progress,
		CreatedAt:  j.created,
		StartedAt:  j.started,
		FinishedAt: j.finished,
	}
	if j.err != nil {
		v.Err = j.err.Error()
	}
	return v
}
