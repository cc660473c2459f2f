// Package discovery turns monitor snapshots into Discord threads: new
// sessions get a thread under their project's channel, state changes become
// thread messages, and a periodic monitor log summarizes turn activity.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/praybot/internal/approval"
	"github.com/nextlevelbuilder/praybot/internal/bus"
	"github.com/nextlevelbuilder/praybot/internal/httpapi"
	"github.com/nextlevelbuilder/praybot/internal/monitor"
	"github.com/nextlevelbuilder/praybot/internal/store"
	"github.com/nextlevelbuilder/praybot/internal/store/file"
	"github.com/nextlevelbuilder/praybot/internal/throttle"
	"github.com/nextlevelbuilder/praybot/internal/transcript"
)

// ErrNoThread is returned when a session has no mapped thread.
var ErrNoThread = errors.New("discovery: no thread mapped for session")

const (
	defaultWatchInterval = 10 * time.Minute
	defaultCreationDelay = 100 * time.Millisecond
	threadNameMax        = 100
	createTimeout        = 30 * time.Second
)

// ThreadCreator opens a new thread under a channel. Implemented by the
// Discord egress layer.
type ThreadCreator interface {
	CreateThread(ctx context.Context, channelID, name string) (threadID string, err error)
}

// GateButtoner supplies the approve/deny buttons for a pending hook gate.
// Implemented by approval.Bridge; injected after construction because the
// bridge in turn notifies through this service.
type GateButtoner interface {
	GateButtons(id string) []approval.Button
}

// Config tunes adoption and reporting.
type Config struct {
	// TargetStates a new session must be in to get a thread.
	// Defaults to active only.
	TargetStates []monitor.State
	// ExcludePrefixes skips sessions whose project path starts with any
	// of these.
	ExcludePrefixes []string
	// FallbackChannel hosts threads for projects the registry does not
	// know. Empty = skip unmatched projects.
	FallbackChannel string
	// WatchInterval spaces the per-session monitor log. Default 10m.
	WatchInterval time.Duration
	// CreationDelay smooths thread-creation bursts. Default 100ms.
	CreationDelay time.Duration
	// InitialEmbed posts a session summary card into fresh threads.
	InitialEmbed bool
}

func (c *Config) applyDefaults() {
	if len(c.TargetStates) == 0 {
		c.TargetStates = []monitor.State{monitor.StateActive}
	}
	if c.WatchInterval <= 0 {
		c.WatchInterval = defaultWatchInterval
	}
	if c.CreationDelay <= 0 {
		c.CreationDelay = defaultCreationDelay
	}
}

// Deps are the collaborators the service drives.
type Deps struct {
	Routes   store.RouteStore
	Queue    *throttle.Queue
	Chat     ThreadCreator
	Prompter approval.Prompter
	Registry *Registry
	Watch    *file.WatchState
	Events   bus.EventPublisher // nil = no events
	Log      *slog.Logger
}

type knownSession struct {
	state monitor.State
	phase string
}

// Service is the auto-thread discovery engine. One instance subscribes to
// the monitor and also serves the hook receiver's notifier interface.
type Service struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	gates GateButtoner

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	known      map[string]knownSession
	discovered map[string]string // sessionKey -> threadID
	pending    map[string]struct{}

	// test seams
	now   func() time.Time
	sleep func(time.Duration)
}

var (
	_ httpapi.SessionNotifier = (*Service)(nil)
	_ approval.GateNotifier   = (*Service)(nil)
	_ monitor.RefreshListener = (*Service)(nil).HandleRefresh
)

// New builds the service. Call Close on shutdown to cancel in-flight
// thread creations.
func New(cfg Config, deps Deps) *Service {
	cfg.applyDefaults()
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:        cfg,
		deps:       deps,
		log:        deps.Log.With("component", "discovery"),
		ctx:        ctx,
		cancel:     cancel,
		known:      make(map[string]knownSession),
		discovered: make(map[string]string),
		pending:    make(map[string]struct{}),
		now:        time.Now,
		sleep:      time.Sleep,
	}
}

// SetGates wires the hook-gate button source once the bridge exists.
func (s *Service) SetGates(g GateButtoner) { s.gates = g }

// Close cancels outstanding work.
func (s *Service) Close() { s.cancel() }

func sessionKey(provider, sessionID string) string {
	return provider + ":" + sessionID
}

// HandleRefresh is the monitor refresh listener: diff known sessions for
// transitions, adopt new ones, and emit due monitor logs. Runs on the
// monitor's refresh goroutine, one refresh at a time.
func (s *Service) HandleRefresh(snapshots map[string]monitor.SessionSnapshot) error {
	// Stable iteration keeps thread creation order deterministic.
	keys := make([]string, 0, len(snapshots))
	for id := range snapshots {
		keys = append(keys, id)
	}
	sort.Strings(keys)

	current := make(map[string]knownSession, len(snapshots))
	for _, id := range keys {
		snap := snapshots[id]
		key := sessionKey(snap.Provider, snap.SessionID)
		current[key] = knownSession{state: snap.State, phase: snap.ActivityPhase}

		s.mu.Lock()
		prev, seen := s.known[key]
		s.mu.Unlock()

		if seen {
			if prev.state != snap.State {
				s.announceState(prev.state, snap)
			}
			if snap.ActivityPhase != "" && prev.phase != snap.ActivityPhase {
				s.announcePhase(snap)
			}
		}
		// Candidacy is re-evaluated every refresh, not just on first
		// sight: the route-store cross-check inside must run again for
		// sessions whose route appeared out of band, and a failed
		// creation gets another try.
		s.maybeAdopt(snap)
	}

	s.watchPass(snapshots)

	s.mu.Lock()
	for key := range s.known {
		if _, still := current[key]; !still {
			delete(s.discovered, key)
			if s.deps.Watch != nil {
				s.deps.Watch.Forget(key)
			}
		}
	}
	s.known = current
	s.mu.Unlock()
	return nil
}

// OnSessionStart adopts a session announced by a SessionStart hook without
// waiting for the next monitor refresh.
func (s *Service) OnSessionStart(snap monitor.SessionSnapshot) {
	key := sessionKey(snap.Provider, snap.SessionID)
	s.mu.Lock()
	s.known[key] = knownSession{state: snap.State, phase: snap.ActivityPhase}
	s.mu.Unlock()
	s.maybeAdopt(snap)
}

// SendToSessionThread queues msg into the session's thread. The send is
// asynchronous; the error reports only an unmapped session.
func (s *Service) SendToSessionThread(provider, sessionID, msg string) error {
	threadID, err := s.threadFor(provider, sessionID)
	if err != nil {
		return err
	}
	s.send(threadID, msg)
	return nil
}

// NotifyGate implements approval.GateNotifier: a pre-tool-use gate becomes
// an approve/deny prompt in the session's thread, or the fallback channel
// when the session has no thread yet.
func (s *Service) NotifyGate(info approval.GateInfo) error {
	channelID, err := s.threadFor(info.Provider, info.SessionID)
	if err != nil {
		if !errors.Is(err, ErrNoThread) || s.cfg.FallbackChannel == "" {
			return err
		}
		channelID = s.cfg.FallbackChannel
	}
	if s.deps.Prompter == nil {
		return fmt.Errorf("discovery: no prompter configured")
	}

	text := fmt.Sprintf("🔐 **Permission needed** — `%s`", info.ToolName)
	if info.Summary != "" {
		text += fmt.Sprintf("\n```\n%s\n```", info.Summary)
	}
	if info.ExpiresAt != nil {
		text += fmt.Sprintf("\nAuto-denies <t:%d:R>.", info.ExpiresAt.Unix())
	}

	var rows []approval.ActionRow
	if s.gates != nil {
		rows = []approval.ActionRow{{Buttons: s.gates.GateButtons(info.ID)}}
	}
	_, err = s.deps.Prompter.SendPrompt(approval.Prompt{ChannelID: channelID, Text: text, Rows: rows})
	return err
}

// threadFor resolves the thread bound to a session, preferring the
// in-memory map and falling back to the route store.
func (s *Service) threadFor(provider, sessionID string) (string, error) {
	key := sessionKey(provider, sessionID)
	s.mu.Lock()
	threadID, ok := s.discovered[key]
	s.mu.Unlock()
	if ok {
		return threadID, nil
	}
	route, err := s.deps.Routes.BySession(provider, sessionID)
	if err != nil {
		return "", fmt.Errorf("route lookup: %w", err)
	}
	if route == nil {
		return "", fmt.Errorf("%w: %s/%s", ErrNoThread, provider, sessionID)
	}
	s.mu.Lock()
	s.discovered[key] = route.ThreadID
	s.mu.Unlock()
	return route.ThreadID, nil
}

// maybeAdopt creates a thread for a session that qualifies and has none.
func (s *Service) maybeAdopt(snap monitor.SessionSnapshot) {
	if !s.wantsState(snap.State) || s.excluded(snap.ProjectPath) {
		return
	}
	key := sessionKey(snap.Provider, snap.SessionID)

	s.mu.Lock()
	if _, inFlight := s.pending[key]; inFlight {
		s.mu.Unlock()
		return
	}
	if _, ok := s.discovered[key]; ok {
		s.mu.Unlock()
		return
	}
	s.pending[key] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
	}()

	// Cross-check the persisted routes. A route may predate this process,
	// or exist unclaimed because chat created it before the backend knew
	// its session id.
	if route, err := s.deps.Routes.BySession(snap.Provider, snap.SessionID); err != nil {
		s.log.Warn("route lookup failed", "session", snap.SessionID, "error", err)
		return
	} else if route != nil {
		s.remember(key, route.ThreadID)
		return
	}
	if snap.ProjectPath != "" {
		route, err := s.deps.Routes.UnclaimedByCwd(snap.Provider, snap.ProjectPath)
		if err != nil {
			s.log.Warn("unclaimed route lookup failed", "cwd", snap.ProjectPath, "error", err)
			return
		}
		if route != nil {
			if err := s.deps.Routes.Claim(route.ThreadID, snap.SessionID); err != nil {
				s.log.Warn("route claim failed", "thread", route.ThreadID, "error", err)
				return
			}
			s.remember(key, route.ThreadID)
			s.log.Info("session claimed existing thread",
				"session", snap.SessionID, "thread", route.ThreadID, "cwd", snap.ProjectPath)
			return
		}
	}

	channelID, ok := s.deps.Registry.Resolve(snap.ProjectPath)
	if !ok {
		if s.cfg.FallbackChannel == "" {
			s.log.Debug("no channel for project, skipping", "project", snap.ProjectPath)
			return
		}
		channelID = s.cfg.FallbackChannel
	}

	ctx, cancelCreate := context.WithTimeout(s.ctx, createTimeout)
	defer cancelCreate()
	threadID, err := s.deps.Chat.CreateThread(ctx, channelID, threadName(snap))
	if err != nil {
		s.log.Warn("thread creation failed", "channel", channelID, "session", snap.SessionID, "error", err)
		return
	}

	route := store.ThreadRoute{
		ThreadID:          threadID,
		ChannelID:         channelID,
		MappingKey:        store.SessionMappingKey(snap.Provider, snap.SessionID),
		Provider:          snap.Provider,
		ProviderSessionID: snap.SessionID,
		Cwd:               snap.ProjectPath,
		Origin:            store.OriginAuto,
	}
	if err := s.deps.Routes.Upsert(route); err != nil {
		s.log.Error("route persist failed", "thread", threadID, "error", err)
	}
	s.remember(key, threadID)
	s.publish(bus.EventSessionDiscovered, snap, "")
	s.log.Info("thread created for session",
		"session", snap.SessionID, "provider", snap.Provider, "thread", threadID, "project", snap.ProjectName)

	if s.cfg.InitialEmbed {
		s.deps.Queue.Send(threadID, throttle.Payload{Embed: sessionEmbed(snap)}, throttle.SendOptions{})
	}
	s.sleep(s.cfg.CreationDelay)
}

func (s *Service) remember(key, threadID string) {
	s.mu.Lock()
	s.discovered[key] = threadID
	s.mu.Unlock()
}

func (s *Service) wantsState(state monitor.State) bool {
	for _, t := range s.cfg.TargetStates {
		if t == state {
			return true
		}
	}
	return false
}

func (s *Service) excluded(projectPath string) bool {
	for _, prefix := range s.cfg.ExcludePrefixes {
		if prefix != "" && strings.HasPrefix(projectPath, prefix) {
			return true
		}
	}
	return false
}

func (s *Service) announceState(prev monitor.State, snap monitor.SessionSnapshot) {
	s.publish(bus.EventSessionState, snap, "")
	threadID, err := s.threadFor(snap.Provider, snap.SessionID)
	if err != nil {
		return
	}
	if line := stateLine(prev, snap.State, snap); line != "" {
		s.send(threadID, line)
	}
}

func (s *Service) announcePhase(snap monitor.SessionSnapshot) {
	s.publish(bus.EventSessionPhase, snap, snap.ActivityPhase)
	threadID, err := s.threadFor(snap.Provider, snap.SessionID)
	if err != nil {
		return
	}
	if line := phaseLine(snap.ActivityPhase, snap); line != "" {
		s.send(threadID, line)
	}
}

// watchPass appends the periodic monitor log for sessions whose last watch
// is older than the interval. First sight only records a baseline.
func (s *Service) watchPass(snapshots map[string]monitor.SessionSnapshot) {
	if s.deps.Watch == nil {
		return
	}
	now := s.now()
	dirty := false
	for _, snap := range snapshots {
		if snap.JSONLPath == "" {
			continue
		}
		key := sessionKey(snap.Provider, snap.SessionID)
		threadID, err := s.threadFor(snap.Provider, snap.SessionID)
		if err != nil {
			continue
		}
		last, ok := s.deps.Watch.LastWatchAt(key)
		if !ok {
			s.deps.Watch.SetLastWatchAt(key, now)
			dirty = true
			continue
		}
		if now.Sub(last) < s.cfg.WatchInterval {
			continue
		}
		users, assistants, err := transcript.TurnsSince(snap.JSONLPath, last)
		if err != nil {
			s.log.Debug("turn count failed", "path", snap.JSONLPath, "error", err)
		} else if users+assistants > 0 {
			s.send(threadID, fmt.Sprintf("📊 %d user / %d assistant turns in the last %s",
				users, assistants, durationLabel(now.Sub(last))))
		}
		s.deps.Watch.SetLastWatchAt(key, now)
		dirty = true
	}
	if dirty {
		if err := s.deps.Watch.Save(); err != nil {
			s.log.Warn("watch state save failed", "error", err)
		}
	}
}

// send queues a plain text message and logs delivery failures in the
// background.
func (s *Service) send(channelID, text string) {
	comp := s.deps.Queue.Send(channelID, throttle.Payload{Text: text}, throttle.SendOptions{MergeKey: channelID})
	go func() {
		if err := comp.Wait(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("thread message failed", "channel", channelID, "error", err)
		}
	}()
}

func (s *Service) publish(name string, snap monitor.SessionSnapshot, phase string) {
	if s.deps.Events == nil {
		return
	}
	s.deps.Events.Broadcast(bus.Event{Name: name, Payload: bus.SessionPayload{
		Provider:  snap.Provider,
		SessionID: snap.SessionID,
		State:     string(snap.State),
		Phase:     phase,
		Project:   snap.ProjectName,
		Cwd:       snap.ProjectPath,
	}})
}

func threadName(snap monitor.SessionSnapshot) string {
	name := snap.ProjectName
	if name == "" {
		name = "session"
	}
	full := fmt.Sprintf("%s · %s", name, shortID(snap.SessionID))
	if r := []rune(full); len(r) > threadNameMax {
		return string(r[:threadNameMax])
	}
	return full
}

// sessionEmbed is the summary card posted into a fresh thread.
func sessionEmbed(snap monitor.SessionSnapshot) *discordgo.MessageEmbed {
	fields := []*discordgo.MessageEmbedField{
		{Name: "Provider", Value: snap.Provider, Inline: true},
		{Name: "State", Value: string(snap.State), Inline: true},
	}
	if snap.Model != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Model", Value: snap.Model, Inline: true})
	}
	if snap.GitBranch != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Branch", Value: snap.GitBranch, Inline: true})
	}
	if snap.ProjectPath != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Path", Value: snap.ProjectPath})
	}
	desc := ""
	if snap.LastUserMessage != "" {
		desc = "> " + snap.LastUserMessage
	}
	return &discordgo.MessageEmbed{
		Title:       "Session " + shortID(snap.SessionID),
		Description: desc,
		Color:       0x5865F2,
		Fields:      fields,
	}
}

func durationLabel(d time.Duration) string {
	d = d.Round(time.Minute)
	if d < time.Minute {
		return "minute"
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}
