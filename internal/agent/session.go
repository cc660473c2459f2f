package agent

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrSessionClosed is returned by Send on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionBusy is returned by Send while a previous turn is still
	// streaming.
	ErrSessionBusy = errors.New("session busy")
)

// State is the session lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"
	StateClosed     State = "closed"
)

// Status is a point-in-time snapshot of a session. Returned values are
// deep copies; mutating them never affects the session.
type Status struct {
	State        State      `json:"state"`
	TurnCount    int        `json:"turnCount"`
	TotalTokens  Usage      `json:"totalTokens"`
	LastActivity *time.Time `json:"lastActivity,omitempty"`
}

// Session is one conversation with a coding-assistant backend.
//
// Send starts a turn and returns a lazy, single-consumer, finite stream.
// Within one stream: at most one turn_complete, emitted last; question
// events precede it; partial text deltas append monotonically within one
// assistant message. Interrupt is best-effort and a noop where the backend
// cannot be interrupted. Close is idempotent.
type Session interface {
	Send(ctx context.Context, message string) (*Stream, error)
	Interrupt()
	Status() Status
	Close() error
}

// Stream carries the events of one turn. The producer emits then closes;
// the single consumer ranges over Events and reads Err afterwards.
type Stream struct {
	ch   chan Event
	once sync.Once
	err  error
}

// NewStream creates a stream with the given channel buffer.
func NewStream(buf int) *Stream {
	return &Stream{ch: make(chan Event, buf)}
}

// Events returns the receive side. The channel closes when the turn ends.
func (s *Stream) Events() <-chan Event { return s.ch }

// Err reports the terminal error, valid once Events is closed.
func (s *Stream) Err() error { return s.err }

// Emit sends one event, giving up when ctx is done. Producer-side only.
func (s *Stream) Emit(ctx context.Context, ev Event) bool {
	select {
	case <-ctx.Done():
		return false
	case s.ch <- ev:
		return true
	}
}

// Close ends the stream. Must be called by the producer after its final
// Emit; safe to call more than once.
func (s *Stream) Close(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.ch)
	})
}

// Drain consumes a stream to completion, returning all events and the
// terminal error. Intended for callers that do not need streaming.
func (s *Stream) Drain(ctx context.Context) ([]Event, error) {
	var events []Event
	for {
		select {
		case <-ctx.Done():
			return events, ctx.Err()
		case ev, ok := <-s.ch:
			if !ok {
				return events, s.err
			}
			events = append(events, ev)
		}
	}
}

// Tracker maintains the status shared by every provider adapter and
// guarantees the turn teardown invariant: turnCount advances exactly once
// per turn that began processing, failures included.
type Tracker struct {
	mu           sync.Mutex
	state        State
	turnCount    int
	tokens       Usage
	lastActivity time.Time
}

// NewTracker returns a tracker in the idle state.
func NewTracker() *Tracker {
	return &Tracker{state: StateIdle}
}

// BeginTurn moves idle to processing. The returned index identifies the
// turn for turn_complete events.
func (t *Tracker) BeginTurn() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateClosed:
		return 0, ErrSessionClosed
	case StateProcessing:
		return 0, ErrSessionBusy
	}
	t.state = StateProcessing
	t.lastActivity = time.Now()
	return t.turnCount, nil
}

// EndTurn returns to idle and advances turnCount. Called from a defer so
// it runs on every exit path, including failures.
func (t *Tracker) EndTurn() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.turnCount++
	t.lastActivity = time.Now()
	if t.state == StateProcessing {
		t.state = StateIdle
	}
}

// AddUsage accumulates turn token counts.
func (t *Tracker) AddUsage(u Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens.Add(u)
	t.lastActivity = time.Now()
}

// Touch bumps the activity timestamp.
func (t *Tracker) Touch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastActivity = time.Now()
}

// Close moves to closed. Reports whether this call performed the close.
func (t *Tracker) Close() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateClosed {
		return false
	}
	t.state = StateClosed
	return true
}

// Status returns a deep copy of the current status.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := Status{
		State:       t.state,
		TurnCount:   t.turnCount,
		TotalTokens: t.tokens,
	}
	if !t.lastActivity.IsZero() {
		la := t.lastActivity
		st.LastActivity = &la
	}
	return st
}
