package claude

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/nextlevelbuilder/praybot/internal/agent"
)

const (
	scanBufInitial = 64 * 1024
	scanBufMax     = 10 * 1024 * 1024
	streamBuffer   = 64
)

type session struct {
	binary  string
	sem     *semaphore.Weighted
	opts    agent.CreateOptions
	tracker *agent.Tracker

	mu        sync.Mutex
	resumeID  string
	announced bool
	proc      *exec.Cmd
}

// latchSessionID records the backend id on first sight and reports whether
// a session event should be emitted.
func (s *session) latchSessionID(id string) (agent.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumeID = id
	if s.announced {
		return agent.Event{}, false
	}
	s.announced = true
	return agent.SessionEvent(id), true
}

func (s *session) currentResumeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeID
}

// Send implements agent.Session. One subprocess per turn; the shared
// semaphore is held from spawn to teardown, released on every exit path.
func (s *session) Send(ctx context.Context, message string) (*agent.Stream, error) {
	turn, err := s.tracker.BeginTurn()
	if err != nil {
		return nil, err
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.tracker.EndTurn()
		return nil, fmt.Errorf("acquire claude slot: %w", err)
	}

	cmd, stdout, stderr, err := s.spawn(ctx, message)
	if err != nil {
		s.sem.Release(1)
		s.tracker.EndTurn()
		return nil, err
	}

	stream := agent.NewStream(streamBuffer)
	go s.pump(ctx, turn, cmd, stdout, stderr, stream)
	return stream, nil
}

func (s *session) spawn(ctx context.Context, message string) (*exec.Cmd, *bufio.Scanner, *bytes.Buffer, error) {
	args := []string{"--print", "--output-format", "stream-json", "--verbose"}
	if id := s.currentResumeID(); id != "" {
		args = append(args, "--resume", id)
	}
	if s.opts.Model != "" {
		args = append(args, "--model", s.opts.Model)
	}
	args = append(args, message)

	cmd := exec.CommandContext(ctx, s.binary, args...)
	cmd.Dir = s.opts.WorkDir
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("claude stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, fmt.Errorf("start claude: %w", err)
	}

	s.mu.Lock()
	s.proc = cmd
	s.mu.Unlock()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, scanBufInitial), scanBufMax)
	return cmd, scanner, &stderr, nil
}

func (s *session) pump(ctx context.Context, turn int, cmd *exec.Cmd, stdout *bufio.Scanner, stderr *bytes.Buffer, out *agent.Stream) {
	var failure error
	// Teardown before close: consumers treat a closed stream as turn over,
	// so the slot and tracker must be released by then.
	defer func() {
		s.mu.Lock()
		s.proc = nil
		s.mu.Unlock()
		s.sem.Release(1)
		s.tracker.EndTurn()
		out.Close(failure)
	}()

	parser := newTurnParser(s, turn)
	aborted := false
	for !aborted && stdout.Scan() {
		for _, ev := range parser.Consume(stdout.Bytes()) {
			if !out.Emit(ctx, ev) {
				aborted = true
				break
			}
		}
	}
	if aborted {
		if proc := cmd.Process; proc != nil {
			proc.Kill()
		}
		cmd.Wait()
		failure = ctx.Err()
		return
	}

	// A parsed result envelope is authoritative; the exit-code error only
	// speaks for runs that died before producing one.
	if err := cmd.Wait(); err != nil && !parser.sawResult {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		out.Emit(ctx, agent.ErrorEvent(msg, true))
	}
}

// Interrupt implements agent.Session by killing the in-flight subprocess.
func (s *session) Interrupt() {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc != nil && proc.Process != nil {
		proc.Process.Kill()
	}
}

// Status implements agent.Session.
func (s *session) Status() agent.Status { return s.tracker.Status() }

// Close implements agent.Session.
func (s *session) Close() error {
	if s.tracker.Close() {
		s.Interrupt()
	}
	return nil
}
