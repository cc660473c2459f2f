package approval

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/praybot/internal/bus"
)

// Gate statuses reported to long-pollers.
const (
	GateStatusPending   = "pending"
	GateStatusResolved  = "resolved"
	GateStatusCompleted = "completed"
)

const (
	// maxGateTimeout clamps the auto-deny timer; zero means unlimited.
	maxGateTimeout = 24 * time.Hour
	// resolvedGateTTL keeps resolved gates around for late pollers.
	resolvedGateTTL = 120 * time.Second
	// maxLongPoll bounds one Await call.
	maxLongPoll = 30 * time.Second

	gateKind = "hook"
)

// GateRequest is a pre-tool-use permission check arriving over HTTP.
type GateRequest struct {
	Provider  string
	SessionID string
	ToolName  string
	Summary   string
	Timeout   time.Duration // 0 = unlimited, clamped to 24h
}

// GateInfo describes a registered gate.
type GateInfo struct {
	ID        string
	Provider  string
	SessionID string
	ToolName  string
	Summary   string
	ExpiresAt *time.Time
}

// GateStatus is a point-in-time answer for a poller.
type GateStatus struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Approved bool   `json:"approved"`
}

type gate struct {
	info       GateInfo
	status     string
	approved   bool
	doneCh     chan struct{}
	timer      *time.Timer
	resolvedAt time.Time
}

// GateNotifier announces a pending gate to chat with approve/deny
// buttons. Implemented by the discovery layer.
type GateNotifier interface {
	NotifyGate(info GateInfo) error
}

// Bridge tracks pre-tool-use gates opened by hook scripts: chat
// notification, optional auto-deny timeout, and the Await long-poll
// that the HTTP status endpoint is built on.
type Bridge struct {
	notifier    GateNotifier       // nil = no chat notification
	events      bus.EventPublisher // nil = no events
	prefix      string
	resolvedTTL time.Duration

	mu    sync.Mutex
	gates map[string]*gate
	now   func() time.Time
}

// NewBridge creates a bridge. notifier and events may be nil.
func NewBridge(notifier GateNotifier, events bus.EventPublisher) *Bridge {
	return &Bridge{
		notifier:    notifier,
		events:      events,
		prefix:      DefaultCustomIDPrefix,
		resolvedTTL: resolvedGateTTL,
		gates:       make(map[string]*gate),
		now:         time.Now,
	}
}

// StartGate implements the hook receiver's GateStarter.
func (br *Bridge) StartGate(provider, sessionID, toolName, summary string, timeout time.Duration) string {
	return br.CreateGate(GateRequest{
		Provider:  provider,
		SessionID: sessionID,
		ToolName:  toolName,
		Summary:   summary,
		Timeout:   timeout,
	}).ID
}

// CreateGate registers a gate, arms its auto-deny timer and notifies
// chat. The returned info carries the id the hook script polls with.
func (br *Bridge) CreateGate(req GateRequest) GateInfo {
	timeout := req.Timeout
	if timeout < 0 {
		timeout = 0
	}
	if timeout > maxGateTimeout {
		timeout = maxGateTimeout
	}

	g := &gate{
		info: GateInfo{
			ID:        newPendingID(),
			Provider:  req.Provider,
			SessionID: req.SessionID,
			ToolName:  req.ToolName,
			Summary:   req.Summary,
		},
		status: GateStatusPending,
		doneCh: make(chan struct{}),
	}
	if timeout > 0 {
		exp := br.now().Add(timeout)
		g.info.ExpiresAt = &exp
	}

	br.mu.Lock()
	br.gates[g.info.ID] = g
	if timeout > 0 {
		// Armed after the map insert so an immediate fire finds the gate.
		g.timer = time.AfterFunc(timeout, func() {
			if br.Resolve(g.info.ID, false) {
				slog.Info("hook gate timed out", "id", g.info.ID, "tool", g.info.ToolName)
			}
		})
	}
	br.mu.Unlock()

	if br.events != nil {
		br.events.Broadcast(bus.Event{
			Name:    bus.EventApprovalRequested,
			Payload: bus.ApprovalPayload{PendingID: g.info.ID, Kind: gateKind},
		})
	}
	if br.notifier != nil {
		if err := br.notifier.NotifyGate(g.info); err != nil {
			slog.Warn("hook gate chat notify failed", "id", g.info.ID, "error", err)
		}
	}
	return g.info
}

// Resolve decides a pending gate. Returns false when the gate is gone
// or already decided.
func (br *Bridge) Resolve(id string, approved bool) bool {
	br.mu.Lock()
	g, ok := br.gates[id]
	if !ok || g.status != GateStatusPending {
		br.mu.Unlock()
		return false
	}
	g.status = GateStatusResolved
	g.approved = approved
	g.resolvedAt = br.now()
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	close(g.doneCh)
	br.mu.Unlock()

	time.AfterFunc(br.resolvedTTL, func() { br.drop(id) })

	if br.events != nil {
		decision := string(DecisionDecline)
		if approved {
			decision = string(DecisionAccept)
		}
		br.events.Broadcast(bus.Event{
			Name:    bus.EventApprovalResolved,
			Payload: bus.ApprovalPayload{PendingID: id, Kind: gateKind, Decision: decision},
		})
	}
	return true
}

// Await blocks up to wait (clamped to 30s, <=0 means the cap) for the
// gate to leave pending. ok=false means the gate does not exist.
func (br *Bridge) Await(ctx context.Context, id string, wait time.Duration) (GateStatus, bool) {
	br.mu.Lock()
	g, ok := br.gates[id]
	if !ok {
		br.mu.Unlock()
		return GateStatus{}, false
	}
	if g.status != GateStatusPending {
		st := observeLocked(g)
		br.mu.Unlock()
		return st, true
	}
	done := g.doneCh
	br.mu.Unlock()

	if wait <= 0 || wait > maxLongPoll {
		wait = maxLongPoll
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-done:
		br.mu.Lock()
		st := observeLocked(g)
		br.mu.Unlock()
		return st, true
	case <-timer.C:
	case <-ctx.Done():
	}
	return GateStatus{ID: id, Status: GateStatusPending}, true
}

// HandleInteraction applies an approve/deny button click on a gate.
func (br *Bridge) HandleInteraction(inter Interaction) Reply {
	parts := splitCustomID(br.prefix, inter.CustomID)
	if len(parts) != 3 || parts[0] != "hk" || (parts[2] != "approve" && parts[2] != "deny") {
		return Reply{Text: "Unrecognized interaction.", Ephemeral: true}
	}
	approved := parts[2] == "approve"
	if !br.Resolve(parts[1], approved) {
		return Reply{Text: "This request was already processed.", Ephemeral: true}
	}
	if approved {
		return Reply{Text: "Approved.", Resolved: true}
	}
	return Reply{Text: "Denied.", Resolved: true}
}

// GateButtons returns the approve/deny buttons for a gate prompt.
func (br *Bridge) GateButtons(id string) []Button {
	return []Button{
		{CustomID: gateCustomID(br.prefix, id, true), Label: "Approve", Style: StyleSuccess},
		{CustomID: gateCustomID(br.prefix, id, false), Label: "Deny", Style: StyleDanger},
	}
}

// observeLocked reports the gate's status and flips resolved to
// completed, so the first poll after the decision delivers it and later
// polls see completed.
func observeLocked(g *gate) GateStatus {
	st := GateStatus{ID: g.info.ID, Status: g.status, Approved: g.approved}
	if g.status == GateStatusResolved {
		g.status = GateStatusCompleted
	}
	return st
}

func (br *Bridge) drop(id string) {
	br.mu.Lock()
	delete(br.gates, id)
	br.mu.Unlock()
}
