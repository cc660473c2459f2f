package monitor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/praybot/internal/transcript"
)

const codexRolloutDays = 2

// Config locates the transcript roots the monitor watches.
type Config struct {
	// ClaudeHomes are directories containing a projects/ tree of
	// per-project transcript folders, e.g. ~/.claude.
	ClaudeHomes []string
	// CodexHome contains sessions/<Y>/<M>/<D>/rollout-*.jsonl.
	CodexHome string
}

// RefreshListener receives the full snapshot map after each refresh.
// Returned errors are logged, never propagated.
type RefreshListener func(snapshots map[string]SessionSnapshot) error

// Monitor owns the sessionId -> snapshot map.
type Monitor struct {
	cfg   Config
	procs ProcessLister
	now   func() time.Time

	mu          sync.Mutex
	snapshots   map[string]*SessionSnapshot
	files       map[string]*fileState
	hookPhases  map[string]hookMark
	boundPIDs   map[int]string
	lastRefresh time.Time
	inFlight    bool
	queued      bool

	listenerMu sync.Mutex
	listeners  []RefreshListener
}

type fileState struct {
	tailer     *transcript.Tailer
	claude     *transcript.MetaExtractor
	codex      *transcript.CodexExtractor
	mtime      time.Time
	projectKey string
}

type hookMark struct {
	phase string
	at    time.Time
}

// New builds a monitor over the given transcript roots and process lister.
func New(cfg Config, procs ProcessLister) *Monitor {
	return &Monitor{
		cfg:        cfg,
		procs:      procs,
		now:        time.Now,
		snapshots:  make(map[string]*SessionSnapshot),
		files:      make(map[string]*fileState),
		hookPhases: make(map[string]hookMark),
		boundPIDs:  make(map[int]string),
	}
}

// OnRefresh registers a listener fired sequentially after each refresh.
func (m *Monitor) OnRefresh(l RefreshListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Snapshots returns a copy of the current map.
func (m *Monitor) Snapshots() map[string]SessionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copySnapshotsLocked()
}

func (m *Monitor) copySnapshotsLocked() map[string]SessionSnapshot {
	out := make(map[string]SessionSnapshot, len(m.snapshots))
	for id, s := range m.snapshots {
		out[id] = s.clone()
	}
	return out
}

// Refresh runs one monitor pass. A second call while one is in flight
// sets a queued flag so exactly one more pass follows; further calls
// coalesce into that pass.
func (m *Monitor) Refresh(ctx context.Context) {
	m.mu.Lock()
	if m.inFlight {
		m.queued = true
		m.mu.Unlock()
		return
	}
	m.inFlight = true
	m.mu.Unlock()

	for {
		m.refreshOnce(ctx)
		m.mu.Lock()
		if m.queued && ctx.Err() == nil {
			m.queued = false
			m.mu.Unlock()
			continue
		}
		m.inFlight = false
		m.mu.Unlock()
		return
	}
}

func (m *Monitor) refreshOnce(ctx context.Context) {
	start := m.now()

	var procs []ProcessInfo
	if m.procs != nil {
		var err error
		procs, err = m.procs.Processes(ctx)
		if err != nil {
			slog.Warn("process scan failed", "error", err)
		}
	}

	claudeFiles := m.claudeTranscripts()
	codexFiles := m.codexTranscripts()

	m.mu.Lock()
	seen := make(map[string]struct{})
	seenFiles := make(map[string]struct{})
	matcher := newProcMatcher(procs, m.boundPIDs)

	for _, tf := range claudeFiles {
		seenFiles[tf.path] = struct{}{}
		snap := m.refreshClaudeLocked(tf, matcher)
		if snap != nil {
			seen[snap.SessionID] = struct{}{}
		}
	}
	for _, tf := range codexFiles {
		seenFiles[tf.path] = struct{}{}
		snap := m.refreshCodexLocked(tf, matcher)
		if snap != nil {
			seen[snap.SessionID] = struct{}{}
		}
	}
	matcher.bindByCwd(m)

	// Dead pids leave the sticky-binding table so a reused pid cannot
	// inherit an old session.
	for pid := range m.boundPIDs {
		if _, alive := matcher.byPID[pid]; !alive {
			delete(m.boundPIDs, pid)
		}
	}
	for path := range m.files {
		if _, ok := seenFiles[path]; !ok {
			delete(m.files, path)
		}
	}
	// Sessions with no transcript this pass (hook-registered, or the file
	// vanished) still age out; stale-and-gone ones are pruned.
	for id, snap := range m.snapshots {
		if _, ok := seen[id]; ok {
			continue
		}
		_, alive := matcher.byPID[snap.PID]
		hasProc := snap.PID != 0 && alive
		snap.State = classifyState(start.Sub(snap.LastActivity), hasProc)
		if snap.State != StateActive {
			snap.ActivityPhase = ""
		}
		if snap.State == StateStale && !hasProc {
			delete(m.snapshots, id)
			delete(m.hookPhases, id)
		}
	}
	// A hook phase only outranks the transcript for the first refresh
	// after it arrives; older marks are spent.
	for id, mark := range m.hookPhases {
		if !mark.at.After(start) {
			delete(m.hookPhases, id)
		}
	}
	m.lastRefresh = start
	published := m.copySnapshotsLocked()
	m.mu.Unlock()

	m.listenerMu.Lock()
	listeners := append([]RefreshListener(nil), m.listeners...)
	m.listenerMu.Unlock()
	for _, l := range listeners {
		if err := l(published); err != nil {
			slog.Warn("refresh listener failed", "error", err)
		}
	}
}

type transcriptFile struct {
	path       string
	projectKey string
	mtime      time.Time
}

func (m *Monitor) claudeTranscripts() []transcriptFile {
	var out []transcriptFile
	for _, home := range m.cfg.ClaudeHomes {
		projectsDir := filepath.Join(home, "projects")
		projects, err := os.ReadDir(projectsDir)
		if err != nil {
			continue
		}
		for _, proj := range projects {
			if !proj.IsDir() {
				continue
			}
			dir := filepath.Join(projectsDir, proj.Name())
			entries, err := os.ReadDir(dir)
			if err != nil {
				continue
			}
			for _, e := range entries {
				name := e.Name()
				if !strings.HasSuffix(name, ".jsonl") {
					continue
				}
				if _, err := uuid.Parse(strings.TrimSuffix(name, ".jsonl")); err != nil {
					continue
				}
				fi, err := e.Info()
				if err != nil {
					continue
				}
				out = append(out, transcriptFile{
					path:       filepath.Join(dir, name),
					projectKey: proj.Name(),
					mtime:      fi.ModTime(),
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].mtime.After(out[j].mtime) })
	return out
}

func (m *Monitor) codexTranscripts() []transcriptFile {
	if m.cfg.CodexHome == "" {
		return nil
	}
	var out []transcriptFile
	day := m.now()
	for i := 0; i < codexRolloutDays; i++ {
		d := day.AddDate(0, 0, -i)
		dir := filepath.Join(m.cfg.CodexHome, "sessions",
			d.Format("2006"), d.Format("01"), d.Format("02"))
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			name := e.Name()
			if !strings.HasPrefix(name, "rollout-") || !strings.HasSuffix(name, ".jsonl") {
				continue
			}
			fi, err := e.Info()
			if err != nil {
				continue
			}
			out = append(out, transcriptFile{path: filepath.Join(dir, name), mtime: fi.ModTime()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].mtime.After(out[j].mtime) })
	return out
}

// refreshClaudeLocked re-tails a transcript when its mtime moved, then
// rebuilds the session's snapshot.
func (m *Monitor) refreshClaudeLocked(tf transcriptFile, matcher *procMatcher) *SessionSnapshot {
	fs, ok := m.files[tf.path]
	if !ok {
		extractor := transcript.NewMetaExtractor()
		fs = &fileState{claude: extractor, projectKey: tf.projectKey}
		fs.tailer = transcript.NewTailer(tf.path, nil, 0)
		fs.tailer.Register("meta", extractor.Consume)
		m.files[tf.path] = fs
	}
	if !tf.mtime.Equal(fs.mtime) {
		if err := fs.tailer.Poll(); err != nil {
			slog.Warn("transcript tail failed", "path", tf.path, "error", err)
		}
		fs.mtime = tf.mtime
	}
	meta := fs.claude.Meta()

	sessionID := meta.SessionID
	if sessionID == "" {
		sessionID = strings.TrimSuffix(filepath.Base(tf.path), ".jsonl")
	}

	proc := matcher.match(sessionID, meta.SessionID)
	age := m.now().Sub(tf.mtime)
	state := classifyState(age, proc != nil)

	snap, ok := m.snapshots[sessionID]
	if !ok {
		snap = &SessionSnapshot{Provider: "claude", SessionID: sessionID}
		m.snapshots[sessionID] = snap
	}
	snap.JSONLPath = tf.path
	snap.ProjectPath = meta.Cwd
	if snap.ProjectPath == "" {
		snap.ProjectPath = tf.projectKey
	}
	snap.ProjectName = filepath.Base(snap.ProjectPath)
	snap.Slug = meta.Slug
	snap.Model = meta.Model
	snap.GitBranch = meta.GitBranch
	snap.Version = meta.Version
	snap.TurnCount = meta.TurnCount
	snap.Tokens = meta.Tokens
	snap.LastUserMessage = meta.LastUserMessage
	snap.CurrentTools = meta.CurrentTools
	snap.WaitReason = meta.WaitReason
	snap.WaitToolNames = meta.WaitToolNames
	snap.LastActivity = tf.mtime
	snap.State = state
	m.applyProcessLocked(snap, proc, matcher)
	m.applyPhaseLocked(snap, meta.Phase)
	if proc != nil && meta.Cwd == "" && proc.Cwd != "" {
		snap.ProjectPath = proc.Cwd
		snap.ProjectName = filepath.Base(proc.Cwd)
	}
	return snap
}

func (m *Monitor) refreshCodexLocked(tf transcriptFile, matcher *procMatcher) *SessionSnapshot {
	fs, ok := m.files[tf.path]
	if !ok {
		extractor := transcript.NewCodexExtractor()
		fs = &fileState{codex: extractor}
		fs.tailer = transcript.NewTailer(tf.path, nil, 0)
		fs.tailer.Register("meta", extractor.Consume)
		m.files[tf.path] = fs
	}
	if !tf.mtime.Equal(fs.mtime) {
		if err := fs.tailer.Poll(); err != nil {
			slog.Warn("rollout tail failed", "path", tf.path, "error", err)
		}
		fs.mtime = tf.mtime
	}
	meta := fs.codex.Meta()
	if meta.SessionID == "" {
		return nil
	}

	proc := matcher.match(meta.SessionID, meta.SessionID)
	age := m.now().Sub(tf.mtime)
	state := classifyState(age, proc != nil)

	snap, ok := m.snapshots[meta.SessionID]
	if !ok {
		snap = &SessionSnapshot{Provider: "codex", SessionID: meta.SessionID}
		m.snapshots[meta.SessionID] = snap
	}
	snap.JSONLPath = tf.path
	snap.ProjectPath = meta.Cwd
	snap.ProjectName = filepath.Base(meta.Cwd)
	snap.Model = meta.Model
	snap.TurnCount = meta.TurnCount
	snap.LastUserMessage = meta.LastUserMessage
	snap.LastActivity = tf.mtime
	snap.State = state
	m.applyProcessLocked(snap, proc, matcher)
	m.applyPhaseLocked(snap, transcript.PhaseBusy)
	return snap
}

func (m *Monitor) applyProcessLocked(snap *SessionSnapshot, proc *ProcessInfo, matcher *procMatcher) {
	if proc == nil {
		snap.PID = 0
		snap.CPUPercent = 0
		snap.MemMB = 0
		return
	}
	matcher.bind(proc.PID, snap.SessionID)
	snap.PID = proc.PID
	snap.CPUPercent = proc.CPUPercent
	snap.MemMB = proc.MemMB
	if !proc.StartedAt.IsZero() {
		at := proc.StartedAt
		snap.StartedAt = &at
	}
}

// applyPhaseLocked enforces phase-iff-active, letting a hook phase written
// since the previous refresh override the transcript-derived one.
func (m *Monitor) applyPhaseLocked(snap *SessionSnapshot, derived string) {
	if snap.State != StateActive {
		snap.ActivityPhase = ""
		return
	}
	if mark, ok := m.hookPhases[snap.SessionID]; ok && mark.at.After(m.lastRefresh) {
		snap.ActivityPhase = mark.phase
		return
	}
	snap.ActivityPhase = derived
}

// procMatcher resolves process->session bindings for one refresh pass.
type procMatcher struct {
	bySession map[string]*ProcessInfo
	byPID     map[int]*ProcessInfo
	unmatched []*ProcessInfo
	bound     map[int]string
	usedPIDs  map[int]struct{}
}

func newProcMatcher(procs []ProcessInfo, bound map[int]string) *procMatcher {
	pm := &procMatcher{
		bySession: make(map[string]*ProcessInfo),
		byPID:     make(map[int]*ProcessInfo),
		bound:     bound,
		usedPIDs:  make(map[int]struct{}),
	}
	for i := range procs {
		p := &procs[i]
		pm.byPID[p.PID] = p
		switch {
		case p.SessionID != "":
			pm.bySession[p.SessionID] = p
		case p.ResumeID != "":
			pm.bySession[p.ResumeID] = p
		default:
			pm.unmatched = append(pm.unmatched, p)
		}
	}
	return pm
}

// match finds the process for a session: sticky pid binding first, then
// the session/resume id indexes.
func (pm *procMatcher) match(sessionID, metaSessionID string) *ProcessInfo {
	for pid, sid := range pm.bound {
		if sid != sessionID {
			continue
		}
		if p, alive := pm.byPID[pid]; alive {
			pm.usedPIDs[pid] = struct{}{}
			return p
		}
	}
	if p, ok := pm.bySession[sessionID]; ok {
		return p
	}
	if metaSessionID != "" {
		if p, ok := pm.bySession[metaSessionID]; ok {
			return p
		}
	}
	return nil
}

// bind records a sticky pid binding; a pid never rebinds to a different
// session while both live.
func (pm *procMatcher) bind(pid int, sessionID string) {
	if existing, ok := pm.bound[pid]; ok && existing != sessionID {
		return
	}
	pm.bound[pid] = sessionID
	pm.usedPIDs[pid] = struct{}{}
}

// bindByCwd pairs leftover processes with the newest unbound transcript
// sharing their encoded working directory, at most one per key.
func (pm *procMatcher) bindByCwd(m *Monitor) {
	claimed := make(map[string]struct{})
	for _, p := range pm.unmatched {
		if _, used := pm.usedPIDs[p.PID]; used {
			continue
		}
		if _, ok := pm.bound[p.PID]; ok {
			continue
		}
		if p.Cwd == "" {
			continue
		}
		key := transcript.EncodeProjectPath(p.Cwd)
		if _, dup := claimed[key]; dup {
			continue
		}

		var best *SessionSnapshot
		for _, snap := range m.snapshots {
			if snap.PID != 0 {
				continue
			}
			if transcript.EncodeProjectPath(snap.ProjectPath) != key {
				continue
			}
			if best == nil || snap.LastActivity.After(best.LastActivity) {
				best = snap
			}
		}
		if best == nil {
			continue
		}
		claimed[key] = struct{}{}
		pm.bound[p.PID] = best.SessionID
		best.PID = p.PID
		best.CPUPercent = p.CPUPercent
		best.MemMB = p.MemMB
		if !p.StartedAt.IsZero() {
			at := p.StartedAt
			best.StartedAt = &at
		}
		// The process keeps an age-based completed session warm.
		if best.State == StateCompleted {
			best.State = StateIdle
		}
	}
}
