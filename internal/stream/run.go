package stream

import (
	"context"
	"sync"
	"time"
)

// State is the lifecycle state of a recognition run.
type State string

const (
	StateRunning State = "running"
	// StateFinished means the frame source was exhausted.
	StateFinished State = "finished"
	// StateSessionEnded means the session stopped being active mid-run.
	StateSessionEnded State = "session_ended"
	StateStopped      State = "stopped"
	StateFailed       State = "failed"
)

// Status is a point-in-time snapshot of a run.
type Status struct {
	RunID      string     `json:"run_id"`
	SessionID  string     `json:"session_id"`
	State      State      `json:"state"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Frames     int        `json:"frames"`
	Faces      int        `json:"faces"`
	Marked     []string   `json:"marked"`
}

// Run is the handle of one recognition loop.
type Run struct {
	id        string
	sessionID string
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	mu         sync.Mutex
	state      State
	err        error
	finishedAt time.Time
	frames     int
	faces      int
	marked     []string
	seen       map[string]struct{}
}

func newRun(id, sessionID string, cancel context.CancelFunc) *Run {
	return &Run{
		id:        id,
		sessionID: sessionID,
		startedAt: time.Now().UTC(),
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateRunning,
		seen:      make(map[string]struct{}),
	}
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// SessionID returns the session the run records into.
func (r *Run) SessionID() string { return r.sessionID }

// Stop asks the loop to exit. It does not wait.
func (r *Run) Stop() { r.cancel() }

// Done is closed when the loop has exited and the source is closed.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run exits or ctx is done and returns the run error,
// which is nil unless the run failed.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot.
func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{
		RunID:     r.id,
		SessionID: r.sessionID,
		State:     r.state,
		StartedAt: r.startedAt,
		Frames:    r.frames,
		Faces:     r.faces,
		Marked:    append([]string(nil), r.marked...),
	}
	if r.err != nil {
		st.Error = r.err.Error()
	}
	if !r.finishedAt.IsZero() {
		t := r.finishedAt
		st.FinishedAt = &t
	}
	return st
}

func (r *Run) frame(faces int) {
	r.mu.Lock()
	r.frames++
	r.faces += faces
	r.mu.Unlock()
}

func (r *Run) hasSeen(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.seen[identity]
	return ok
}

func (r *Run) markSeen(identity string, recorded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[identity] = struct{}{}
	if recorded {
		r.marked = append(r.marked, identity)
	}
}

func (r *Run) finish(state State, err error) {
	r.mu.Lock()
	r.state = state
	r.err = err
	r.finishedAt = time.Now().UTC()
	r.mu.Unlock()
	close(r.done)
}

func (r *Run) finished() (bool, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state != StateRunning, r.finishedAt
}
