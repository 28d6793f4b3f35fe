package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Request is one user question submitted to the orchestrator.
type Request struct {
	SessionID string
	MessageID string // client message id; echoed as reply_to
	Question  string
	History   []Turn
}

// Run is the per-question state container. Its event stream is gated by a
// single lock so that once a terminal event has been delivered, nothing
// else reaches the sink.
type Run struct {
	ID        string
	SessionID string
	MessageID string
	Question  string
	StartedAt time.Time

	history []Turn
	sink    Sink
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	rewritten string
	state     State
	stage     Stage
	status    Status
	answer    *Answer
	failure   *Failure
	partial   strings.Builder
	terminal  bool
}

func newRun(id string, req Request, sink Sink) *Run {
	if sink == nil {
		sink = func(Event) {}
	}
	return &Run{
		ID:        id,
		SessionID: req.SessionID,
		MessageID: req.MessageID,
		Question:  req.Question,
		StartedAt: time.Now(),
		history:   req.History,
		sink:      sink,
		cancel:    func() {},
		done:      make(chan struct{}),
		state:     StateIntent,
		stage:     StageIntent,
		status:    StatusRunning,
	}
}

// Done is closed once the run's goroutine has returned.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run's goroutine returns or ctx ends.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Run) Stage() Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stage
}

func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Answer returns the final answer of a completed run, or nil.
func (r *Run) Answer() *Answer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.answer
}

// Failure returns the error payload of an errored run, or nil.
func (r *Run) Failure() *Failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failure
}

// Rewritten returns the rewritten question once intent resolution is done.
func (r *Run) Rewritten() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rewritten
}

// Finished reports whether a terminal event has been delivered.
func (r *Run) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminal
}

// Interrupt cancels the run. The interrupted event is delivered before
// Interrupt returns and no event follows it. It returns false when the run
// had already ended.
func (r *Run) Interrupt(reason string) bool {
	if !r.stop(reason) {
		return false
	}
	r.cancel()
	return true
}

// stop delivers the interrupted event unless the run already ended.
func (r *Run) stop(reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal {
		return false
	}
	r.deliverTerminal(Event{
		Kind: EventInterrupted,
		Interrupted: &Interruption{
			Stage:         r.stage,
			PartialAnswer: r.partial.String(),
			Reason:        reason,
		},
	}, StatusInterrupted)
	return true
}

func (r *Run) enter(state State, stage Stage) {
	r.mu.Lock()
	r.state = state
	r.stage = stage
	r.mu.Unlock()
}

func (r *Run) setRewritten(q string) {
	r.mu.Lock()
	r.rewritten = q
	r.mu.Unlock()
}

// emit delivers a non-terminal event. It reports false when the run has
// already ended and the event was dropped.
func (r *Run) emit(ev Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal {
		return false
	}
	if ev.Kind == EventTextChunk && ev.Chunk != nil {
		r.partial.WriteString(ev.Chunk.Content)
	}
	r.stamp(&ev)
	r.sink(ev)
	return true
}

// finish delivers a terminal event unless one was already delivered.
func (r *Run) finish(ev Event, status Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal {
		return false
	}
	r.deliverTerminal(ev, status)
	return true
}

// deliverTerminal must be called with r.mu held.
func (r *Run) deliverTerminal(ev Event, status Status) {
	r.terminal = true
	r.status = status
	r.state = StateDone
	switch ev.Kind {
	case EventComplete:
		r.answer = ev.Answer
	case EventError:
		r.failure = ev.Failure
	}
	r.stamp(&ev)
	r.sink(ev)
}

func (r *Run) stamp(ev *Event) {
	ev.RunID = r.ID
	ev.MessageID = r.MessageID
}
