package monitor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const enrichParallelism = 8

// ProcessInfo describes one running assistant CLI process.
type ProcessInfo struct {
	PID        int
	Provider   string
	ResumeID   string
	SessionID  string
	Cwd        string
	CPUPercent float64
	MemMB      float64
	StartedAt  time.Time
}

// ProcessLister enumerates assistant processes. The /proc implementation
// is the production one; tests inject their own.
type ProcessLister interface {
	Processes(ctx context.Context) ([]ProcessInfo, error)
}

// ProcScanner lists assistant CLIs from /proc.
type ProcScanner struct {
	root     string // "/proc", overridable in tests
	pageSize int64
	hz       int64

	bootTime time.Time
}

// NewProcScanner builds a scanner over /proc.
func NewProcScanner() *ProcScanner {
	return &ProcScanner{root: "/proc", pageSize: int64(os.Getpagesize()), hz: 100}
}

// Processes implements ProcessLister: one pass over /proc for candidates,
// then a parallel enrichment pass reading each pid's fd listing.
func (p *ProcScanner) Processes(ctx context.Context) ([]ProcessInfo, error) {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p.root, err)
	}
	if p.bootTime.IsZero() {
		p.bootTime = p.readBootTime()
	}

	var procs []ProcessInfo
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		args := p.cmdline(pid)
		provider, ok := matchAssistantCommand(args)
		if !ok {
			continue
		}
		info := ProcessInfo{PID: pid, Provider: provider, ResumeID: resumeArg(args)}
		p.fillStat(&info)
		procs = append(procs, info)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(enrichParallelism)
	for i := range procs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			p.enrich(&procs[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return procs, nil
}

func (p *ProcScanner) cmdline(pid int) []string {
	raw, err := os.ReadFile(filepath.Join(p.root, strconv.Itoa(pid), "cmdline"))
	if err != nil || len(raw) == 0 {
		return nil
	}
	parts := bytes.Split(bytes.TrimRight(raw, "\x00"), []byte{0})
	args := make([]string, 0, len(parts))
	for _, part := range parts {
		args = append(args, string(part))
	}
	return args
}

// matchAssistantCommand recognizes claude and codex CLI invocations,
// including node-wrapped ones.
func matchAssistantCommand(args []string) (string, bool) {
	for i, arg := range args {
		if i > 2 {
			break
		}
		switch filepath.Base(arg) {
		case "claude":
			return "claude", true
		case "codex":
			return "codex", true
		}
	}
	return "", false
}

// resumeArg extracts the UUID following --resume, if present and valid.
func resumeArg(args []string) string {
	for i, arg := range args {
		if arg != "--resume" || i+1 >= len(args) {
			continue
		}
		if _, err := uuid.Parse(args[i+1]); err == nil {
			return args[i+1]
		}
	}
	return ""
}

// fillStat reads /proc/<pid>/stat for CPU share, RSS, and start time.
func (p *ProcScanner) fillStat(info *ProcessInfo) {
	raw, err := os.ReadFile(filepath.Join(p.root, strconv.Itoa(info.PID), "stat"))
	if err != nil {
		return
	}
	// Field 2 (comm) may contain spaces; cut past the closing paren.
	s := string(raw)
	closeParen := strings.LastIndexByte(s, ')')
	if closeParen < 0 || closeParen+2 > len(s) {
		return
	}
	fields := strings.Fields(s[closeParen+2:])
	// After the cut, utime is field index 11, stime 12, starttime 19,
	// rss 21 (zero-based within the remainder).
	if len(fields) < 22 {
		return
	}
	utime, _ := strconv.ParseInt(fields[11], 10, 64)
	stime, _ := strconv.ParseInt(fields[12], 10, 64)
	startTicks, _ := strconv.ParseInt(fields[19], 10, 64)
	rssPages, _ := strconv.ParseInt(fields[21], 10, 64)

	info.MemMB = float64(rssPages*p.pageSize) / (1024 * 1024)
	if !p.bootTime.IsZero() {
		started := p.bootTime.Add(time.Duration(startTicks/p.hz) * time.Second)
		info.StartedAt = started
		if alive := time.Since(started).Seconds(); alive > 0 {
			cpuSeconds := float64(utime+stime) / float64(p.hz)
			info.CPUPercent = cpuSeconds / alive * 100
		}
	}
}

func (p *ProcScanner) readBootTime() time.Time {
	raw, err := os.ReadFile(filepath.Join(p.root, "stat"))
	if err != nil {
		return time.Time{}
	}
	for _, line := range strings.Split(string(raw), "\n") {
		if rest, ok := strings.CutPrefix(line, "btime "); ok {
			if secs, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64); err == nil {
				return time.Unix(secs, 0)
			}
		}
	}
	return time.Time{}
}

// enrich resolves the session id from the pid's open tasks-directory
// handle and the working directory from its cwd link. One fd listing per
// pid.
func (p *ProcScanner) enrich(info *ProcessInfo) {
	base := filepath.Join(p.root, strconv.Itoa(info.PID))
	if cwd, err := os.Readlink(filepath.Join(base, "cwd")); err == nil {
		info.Cwd = cwd
	}

	fdDir := filepath.Join(base, "fd")
	entries, err := os.ReadDir(fdDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		target, err := os.Readlink(filepath.Join(fdDir, e.Name()))
		if err != nil {
			continue
		}
		if id := sessionIDFromHandle(target); id != "" {
			info.SessionID = id
			return
		}
	}
}

// sessionIDFromHandle pulls the session UUID out of an open handle under a
// tasks directory, e.g. ~/.claude/tasks/<uuid>/...
func sessionIDFromHandle(target string) string {
	idx := strings.Index(target, "/tasks/")
	if idx < 0 {
		return ""
	}
	rest := target[idx+len("/tasks/"):]
	if cut := strings.IndexByte(rest, '/'); cut >= 0 {
		rest = rest[:cut]
	}
	if _, err := uuid.Parse(rest); err != nil {
		return ""
	}
	return rest
}
