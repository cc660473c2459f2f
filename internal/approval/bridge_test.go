package approval

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeGateNotifier struct {
	mu    sync.Mutex
	gates []GateInfo
}

func (f *fakeGateNotifier) NotifyGate(info GateInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gates = append(f.gates, info)
	return nil
}

// TestBridge_ResolveAndObserve verifies the pending → resolved →
// completed progression across polls.
func TestBridge_ResolveAndObserve(t *testing.T) {
	br := NewBridge(nil, nil)
	info := br.CreateGate(GateRequest{Provider: "claude", SessionID: "s1", ToolName: "Bash"})

	st, ok := br.Await(context.Background(), info.ID, 10*time.Millisecond)
	if !ok || st.Status != GateStatusPending {
		t.Fatalf("first poll = %+v ok=%v, want pending", st, ok)
	}

	if !br.Resolve(info.ID, true) {
		t.Fatal("Resolve() = false, want true")
	}
	if br.Resolve(info.ID, false) {
		t.Error("second Resolve() = true, want false")
	}

	st, ok = br.Await(context.Background(), info.ID, 10*time.Millisecond)
	if !ok || st.Status != GateStatusResolved || !st.Approved {
		t.Errorf("post-resolve poll = %+v ok=%v, want resolved approved", st, ok)
	}
	st, _ = br.Await(context.Background(), info.ID, 10*time.Millisecond)
	if st.Status != GateStatusCompleted || !st.Approved {
		t.Errorf("late poll = %+v, want completed approved", st)
	}
}

// TestBridge_LongPollWakesOnResolve verifies a blocked poll returns as
// soon as the decision lands.
func TestBridge_LongPollWakesOnResolve(t *testing.T) {
	br := NewBridge(nil, nil)
	info := br.CreateGate(GateRequest{SessionID: "s1", ToolName: "Write"})

	go func() {
		time.Sleep(50 * time.Millisecond)
		br.Resolve(info.ID, false)
	}()

	start := time.Now()
	st, ok := br.Await(context.Background(), info.ID, 5*time.Second)
	if !ok || st.Status != GateStatusResolved || st.Approved {
		t.Errorf("Await() = %+v ok=%v, want resolved denied", st, ok)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("poll blocked %v, want early wake", elapsed)
	}
}

// TestBridge_TimeoutAutoDenies verifies the auto-deny timer fires and
// the clamp caps oversized timeouts.
func TestBridge_TimeoutAutoDenies(t *testing.T) {
	br := NewBridge(nil, nil)
	info := br.CreateGate(GateRequest{SessionID: "s1", ToolName: "Bash", Timeout: 50 * time.Millisecond})

	st, ok := br.Await(context.Background(), info.ID, 5*time.Second)
	if !ok || st.Status != GateStatusResolved || st.Approved {
		t.Errorf("Await() = %+v ok=%v, want auto-denied", st, ok)
	}

	clamped := br.CreateGate(GateRequest{SessionID: "s2", ToolName: "Bash", Timeout: 48 * time.Hour})
	if clamped.ExpiresAt == nil {
		t.Fatal("clamped gate has no expiry")
	}
	if d := time.Until(*clamped.ExpiresAt); d > maxGateTimeout+time.Minute {
		t.Errorf("expiry %v away, want ≤ 24h", d)
	}

	unlimited := br.CreateGate(GateRequest{SessionID: "s3", ToolName: "Bash", Timeout: 0})
	if unlimited.ExpiresAt != nil {
		t.Errorf("unlimited gate has expiry %v", unlimited.ExpiresAt)
	}
}

// TestBridge_ResolvedTTLPrunes verifies resolved gates disappear after
// the late-poller grace window.
func TestBridge_ResolvedTTLPrunes(t *testing.T) {
	br := NewBridge(nil, nil)
	br.resolvedTTL = 30 * time.Millisecond
	info := br.CreateGate(GateRequest{SessionID: "s1", ToolName: "Bash"})
	br.Resolve(info.ID, true)

	time.Sleep(150 * time.Millisecond)
	if _, ok := br.Await(context.Background(), info.ID, 10*time.Millisecond); ok {
		t.Error("gate still present after TTL")
	}
}

// TestBridge_InteractionButtons verifies the chat approve/deny buttons
// drive Resolve.
func TestBridge_InteractionButtons(t *testing.T) {
	fn := &fakeGateNotifier{}
	br := NewBridge(fn, nil)
	info := br.CreateGate(GateRequest{SessionID: "s1", ToolName: "Bash"})

	if len(fn.gates) != 1 || fn.gates[0].ID != info.ID {
		t.Fatalf("notifier gates = %+v, want the created gate", fn.gates)
	}

	buttons := br.GateButtons(info.ID)
	if len(buttons) != 2 {
		t.Fatalf("GateButtons() = %d buttons, want 2", len(buttons))
	}

	reply := br.HandleInteraction(Interaction{CustomID: buttons[1].CustomID, UserID: "u1"})
	if !reply.Resolved || reply.Text != "Denied." {
		t.Errorf("deny reply = %+v, want resolved Denied", reply)
	}

	st, _ := br.Await(context.Background(), info.ID, 10*time.Millisecond)
	if st.Status != GateStatusResolved || st.Approved {
		t.Errorf("status = %+v, want resolved denied", st)
	}

	again := br.HandleInteraction(Interaction{CustomID: buttons[0].CustomID, UserID: "u2"})
	if !again.Ephemeral || !strings.Contains(again.Text, "already processed") {
		t.Errorf("second click reply = %+v, want already-processed", again)
	}
}
