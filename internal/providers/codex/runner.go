package codex

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

const (
	scanBufInitial = 64 * 1024
	scanBufMax     = 10 * 1024 * 1024
)

// StartOptions parameterize a new thread.
type StartOptions struct {
	WorkDir string
	Model   string
}

// Thread is one SDK conversation thread. RunStreamed starts one turn; the
// returned channel closes when the turn ends, and transport failures arrive
// as a final error-typed event.
type Thread interface {
	ID() string
	RunStreamed(ctx context.Context, message string) (<-chan ThreadEvent, error)
	Close() error
}

// Starter opens or resumes threads. The exec-backed implementation shells
// out to the codex CLI; tests inject their own.
type Starter interface {
	Start(ctx context.Context, opts StartOptions) (Thread, error)
	Resume(ctx context.Context, threadID string, opts StartOptions) (Thread, error)
}

// ExecStarter launches codex turns through `codex exec --json`, one
// subprocess per turn, resuming the thread by id after the first.
type ExecStarter struct {
	// Binary overrides the codex executable name.
	Binary string
}

func (s *ExecStarter) binary() string {
	if s.Binary != "" {
		return s.Binary
	}
	return "codex"
}

// Start opens a fresh thread. The thread id is latched from the first
// thread.started event.
func (s *ExecStarter) Start(ctx context.Context, opts StartOptions) (Thread, error) {
	return &execThread{bin: s.binary(), opts: opts}, nil
}

// Resume continues an existing thread by id.
func (s *ExecStarter) Resume(ctx context.Context, threadID string, opts StartOptions) (Thread, error) {
	if threadID == "" {
		return nil, fmt.Errorf("resume requires a thread id")
	}
	return &execThread{bin: s.binary(), opts: opts, threadID: threadID}, nil
}

type execThread struct {
	bin  string
	opts StartOptions

	mu       sync.Mutex
	threadID string
	cancel   context.CancelFunc
}

func (t *execThread) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.threadID
}

func (t *execThread) RunStreamed(ctx context.Context, message string) (<-chan ThreadEvent, error) {
	args := []string{"exec", "--json"}
	if t.opts.WorkDir != "" {
		args = append(args, "--cd", t.opts.WorkDir)
	}
	if t.opts.Model != "" {
		args = append(args, "--model", t.opts.Model)
	}
	if id := t.ID(); id != "" {
		args = append(args, "resume", id)
	}
	args = append(args, message)

	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	cmd := exec.CommandContext(ctx, t.bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("codex stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start codex: %w", err)
	}

	out := make(chan ThreadEvent, 16)
	go func() {
		defer cancel()
		defer close(out)

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, scanBufInitial), scanBufMax)
		aborted := false
		for !aborted && scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var ev ThreadEvent
			if err := json.Unmarshal(line, &ev); err != nil {
				slog.Debug("codex stream line skipped", "error", err)
				continue
			}
			if ev.Type == EventThreadStarted && ev.ThreadID != "" {
				t.mu.Lock()
				t.threadID = ev.ThreadID
				t.mu.Unlock()
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				aborted = true
			}
		}
		if aborted {
			cancel()
		}
		if err := cmd.Wait(); err != nil && !aborted && ctx.Err() == nil {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = err.Error()
			}
			select {
			case out <- ThreadEvent{Type: EventStreamError, Error: &ThreadError{Message: msg}}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

func (t *execThread) Close() error {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}
