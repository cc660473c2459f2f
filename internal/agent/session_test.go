package agent

import (
	"context"
	"errors"
	"testing"
)

// TestTracker_TurnCountAdvancesOnFailure verifies turnCount increments once
// per started turn even when the turn ends in a failure path.
func TestTracker_TurnCountAdvancesOnFailure(t *testing.T) {
	tr := NewTracker()

	runTurn := func(fail bool) {
		if _, err := tr.BeginTurn(); err != nil {
			t.Fatalf("BeginTurn() error = %v", err)
		}
		defer tr.EndTurn()
		if fail {
			return // simulated producer failure; defer still fires
		}
		tr.AddUsage(Usage{Input: 1, Output: 1})
	}

	runTurn(false)
	runTurn(true)
	runTurn(false)

	st := tr.Status()
	if st.TurnCount != 3 {
		t.Errorf("TurnCount = %d, want 3", st.TurnCount)
	}
	if st.State != StateIdle {
		t.Errorf("State = %q, want %q", st.State, StateIdle)
	}
}

// TestTracker_StatusDeepCopy verifies mutating a returned status does not
// leak back into the tracker.
func TestTracker_StatusDeepCopy(t *testing.T) {
	tr := NewTracker()
	tr.AddUsage(Usage{Input: 10, Output: 5, Cached: 2})

	st := tr.Status()
	st.TotalTokens.Input = 999
	if st.LastActivity != nil {
		*st.LastActivity = st.LastActivity.AddDate(1, 0, 0)
	}

	again := tr.Status()
	if again.TotalTokens.Input != 10 {
		t.Errorf("TotalTokens.Input after external mutation = %d, want 10", again.TotalTokens.Input)
	}
	if st.LastActivity != nil && again.LastActivity != nil && again.LastActivity.Equal(*st.LastActivity) {
		t.Error("LastActivity shares storage with caller copy")
	}
}

// TestTracker_StateTransitions verifies busy and closed turn rejection.
func TestTracker_StateTransitions(t *testing.T) {
	tr := NewTracker()

	if _, err := tr.BeginTurn(); err != nil {
		t.Fatalf("first BeginTurn() error = %v", err)
	}
	if _, err := tr.BeginTurn(); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("concurrent BeginTurn() error = %v, want ErrSessionBusy", err)
	}
	tr.EndTurn()

	if !tr.Close() {
		t.Error("Close() = false on first close")
	}
	if tr.Close() {
		t.Error("Close() = true on second close, want idempotent false")
	}
	if _, err := tr.BeginTurn(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("BeginTurn() after close error = %v, want ErrSessionClosed", err)
	}
}

// TestStream_EmitDrainClose verifies the producer/consumer handshake and
// terminal error visibility.
func TestStream_EmitDrainClose(t *testing.T) {
	s := NewStream(4)
	wantErr := errors.New("turn failed")

	go func() {
		ctx := context.Background()
		s.Emit(ctx, TextEvent("hello", true))
		s.Emit(ctx, TextEvent(" world", true))
		s.Close(wantErr)
		s.Close(nil) // second close is a noop
	}()

	events, err := s.Drain(context.Background())
	if len(events) != 2 {
		t.Fatalf("drained %d events, want 2", len(events))
	}
	if events[0].Text != "hello" || events[1].Text != " world" {
		t.Errorf("event texts = %q,%q", events[0].Text, events[1].Text)
	}
	if !errors.Is(err, wantErr) {
		t.Errorf("terminal error = %v, want %v", err, wantErr)
	}
}

// TestStream_EmitStopsOnCancel verifies an abandoned consumer unblocks the
// producer via context cancellation.
func TestStream_EmitStopsOnCancel(t *testing.T) {
	s := NewStream(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if s.Emit(ctx, TextEvent("never received", false)) {
		t.Error("Emit() = true on canceled context, want false")
	}
}
