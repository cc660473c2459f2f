// Package codexapp adapts the codex app-server's persistent JSON-RPC
// stdio protocol to the agent session contract, including the approval
// server-requests the backend raises mid-turn.
package codexapp

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/nextlevelbuilder/praybot/internal/agent"
)

// Decision answers an approval server-request.
type Decision string

const (
	DecisionAccept  Decision = "accept"
	DecisionDecline Decision = "decline"
)

// CommandApproval is the payload of item/commandExecution/requestApproval.
type CommandApproval struct {
	ItemID  string `json:"itemId"`
	Command string `json:"command"`
	Cwd     string `json:"cwd,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// FileChangeEntry is one change inside a file-change approval.
type FileChangeEntry struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

// FileChangeApproval is the payload of item/fileChange/requestApproval.
type FileChangeApproval struct {
	ItemID  string            `json:"itemId"`
	Changes []FileChangeEntry `json:"changes"`
	Reason  string            `json:"reason,omitempty"`
}

// InputOption is one selectable answer of an input question.
type InputOption struct {
	Label string `json:"label"`
}

// InputQuestion is one question inside item/tool/requestUserInput.
type InputQuestion struct {
	ID       string        `json:"id"`
	Question string        `json:"question"`
	Options  []InputOption `json:"options,omitempty"`
}

// UserInputRequest is the payload of item/tool/requestUserInput.
type UserInputRequest struct {
	ItemID    string          `json:"itemId"`
	Questions []InputQuestion `json:"questions"`
}

// Answer resolves one input question.
type Answer struct {
	QuestionID string `json:"questionId"`
	Answer     string `json:"answer"`
}

// Callbacks route the backend's server-requests to a decision maker. Nil
// callbacks decline approvals and answer questions with each question's
// first option label, or an empty string without options.
type Callbacks struct {
	OnCommandApproval    func(ctx context.Context, req CommandApproval) Decision
	OnFileChangeApproval func(ctx context.Context, req FileChangeApproval) Decision
	OnUserInput          func(ctx context.Context, req UserInputRequest) []Answer
}

// Provider creates app-server-backed sessions, one subprocess each.
type Provider struct {
	binary    string
	args      []string
	callbacks Callbacks
}

// New wires a provider with the given approval callbacks.
func New(callbacks Callbacks) *Provider {
	return &Provider{binary: "codex", args: []string{"app-server"}, callbacks: callbacks}
}

// SetCommand overrides the backend launch command. Empty values keep
// the defaults.
func (p *Provider) SetCommand(binary string, args []string) {
	if binary != "" {
		p.binary = binary
	}
	if len(args) > 0 {
		p.args = args
	}
}

// Name implements agent.Provider.
func (p *Provider) Name() string { return "codex-app-server" }

// Initialize checks the backend binary is on PATH.
func (p *Provider) Initialize(ctx context.Context) error {
	if _, err := exec.LookPath(p.binary); err != nil {
		return fmt.Errorf("codex binary not found: %w", err)
	}
	return nil
}

// CreateSession spawns the subprocess and walks the protocol through
// initialize and thread start/resume before handing the session out.
func (p *Provider) CreateSession(ctx context.Context, opts agent.CreateOptions) (agent.Session, error) {
	proc, err := spawnProcess(p.binary, p.args...)
	if err != nil {
		return nil, err
	}
	sess, err := openSession(ctx, proc.stdin, proc.stdout, proc.Stop, p.callbacks, opts)
	if err != nil {
		proc.Stop()
		return nil, err
	}
	return sess, nil
}

// Wire payloads.

type initializeParams struct {
	ClientInfo clientInfo `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type threadStartParams struct {
	Cwd   string `json:"cwd,omitempty"`
	Model string `json:"model,omitempty"`
}

type threadResumeParams struct {
	ThreadID string `json:"threadId"`
}

type threadResult struct {
	Thread struct {
		ID string `json:"id"`
	} `json:"thread"`
}

type turnStartParams struct {
	ThreadID string      `json:"threadId"`
	Input    []turnInput `json:"input"`
}

type turnInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type turnStartResult struct {
	Turn struct {
		ID string `json:"id"`
	} `json:"turn"`
}

type deltaParams struct {
	ItemID string `json:"itemId"`
	Delta  string `json:"delta"`
}

type itemCompletedParams struct {
	Item struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
}

type turnCompletedParams struct {
	Turn struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Error  *struct {
			Message           string `json:"message"`
			AdditionalDetails string `json:"additionalDetails,omitempty"`
		} `json:"error,omitempty"`
		Usage *struct {
			InputTokens       int `json:"input_tokens"`
			CachedInputTokens int `json:"cached_input_tokens"`
			OutputTokens      int `json:"output_tokens"`
		} `json:"usage,omitempty"`
	} `json:"turn"`
}

type errorParams struct {
	Message   string `json:"message"`
	WillRetry bool   `json:"willRetry"`
}

func parseAs[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("parse params: %w", err)
	}
	return v, nil
}
