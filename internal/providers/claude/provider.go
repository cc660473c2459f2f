// Package claude adapts the claude CLI's stream-json output to the agent
// session contract. Each turn is one subprocess run; a global semaphore
// caps how many run at once.
package claude

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"golang.org/x/sync/semaphore"

	"github.com/nextlevelbuilder/praybot/internal/agent"
)

const (
	defaultMaxConcurrent = 3
	maxConcurrentEnv     = "CLAUDE_MAX_CONCURRENT"
)

// Provider creates claude-CLI-backed sessions sharing one concurrency cap.
type Provider struct {
	binary string
	sem    *semaphore.Weighted
}

// New builds a provider. The concurrency cap comes from
// CLAUDE_MAX_CONCURRENT, defaulting to 3.
func New() *Provider {
	return &Provider{
		binary: "claude",
		sem:    semaphore.NewWeighted(maxConcurrent()),
	}
}

func maxConcurrent() int64 {
	if v := os.Getenv(maxConcurrentEnv); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return int64(n)
		}
	}
	return defaultMaxConcurrent
}

// SetBinary overrides the CLI executable. Empty keeps the default.
func (p *Provider) SetBinary(binary string) {
	if binary != "" {
		p.binary = binary
	}
}

// SetMaxConcurrent applies the configured turn cap unless
// CLAUDE_MAX_CONCURRENT already decided it. Call before the first
// session is created.
func (p *Provider) SetMaxConcurrent(n int) {
	if n > 0 && os.Getenv(maxConcurrentEnv) == "" {
		p.sem = semaphore.NewWeighted(int64(n))
	}
}

// Name implements agent.Provider.
func (p *Provider) Name() string { return "claude" }

// Initialize checks the CLI is on PATH.
func (p *Provider) Initialize(ctx context.Context) error {
	if _, err := exec.LookPath(p.binary); err != nil {
		return fmt.Errorf("claude binary not found: %w", err)
	}
	return nil
}

// CreateSession implements agent.Provider.
func (p *Provider) CreateSession(ctx context.Context, opts agent.CreateOptions) (agent.Session, error) {
	s := &session{
		binary:  p.binary,
		sem:     p.sem,
		opts:    opts,
		tracker: agent.NewTracker(),
	}
	s.resumeID = opts.Resume
	return s, nil
}
