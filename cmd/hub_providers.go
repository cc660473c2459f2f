package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/praybot/internal/agent"
	"github.com/nextlevelbuilder/praybot/internal/approval"
	"github.com/nextlevelbuilder/praybot/internal/providers/codexapp"
	"github.com/nextlevelbuilder/praybot/internal/store"
)

// codexCallbacks adapts app-server approval requests onto the Discord
// approval broker. A server-request carries no channel of its own, so
// the prompt lands in the thread whose route matches the request cwd,
// else the only codex-app-server thread, else the fallback channel.
func codexCallbacks(routes store.RouteStore, broker *approval.Broker, fallbackChannel string) codexapp.Callbacks {
	channelFor := func(cwd string) string {
		list, err := routes.List()
		if err != nil {
			return fallbackChannel
		}
		var only string
		count := 0
		for _, r := range list {
			if r.Provider != "codex-app-server" {
				continue
			}
			if cwd != "" && r.Cwd == cwd {
				return r.ThreadID
			}
			count++
			only = r.ThreadID
		}
		if count == 1 {
			return only
		}
		return fallbackChannel
	}
	toDecision := func(d approval.Decision) codexapp.Decision {
		switch d {
		case approval.DecisionAccept, approval.DecisionAcceptForSession:
			return codexapp.DecisionAccept
		}
		return codexapp.DecisionDecline
	}

	return codexapp.Callbacks{
		OnCommandApproval: func(ctx context.Context, req codexapp.CommandApproval) codexapp.Decision {
			d, err := broker.RequestCommandApproval(ctx, approval.CommandRequest{
				ChannelID: channelFor(req.Cwd),
				SessionID: req.ItemID,
				Command:   req.Command,
				Cwd:       req.Cwd,
				Reason:    req.Reason,
			})
			if err != nil {
				slog.Warn("command approval failed, declining", "item", req.ItemID, "error", err)
				return codexapp.DecisionDecline
			}
			return toDecision(d)
		},
		OnFileChangeApproval: func(ctx context.Context, req codexapp.FileChangeApproval) codexapp.Decision {
			changes := make([]approval.FileChange, 0, len(req.Changes))
			for _, c := range req.Changes {
				changes = append(changes, approval.FileChange{Path: c.Path, Kind: c.Kind})
			}
			d, err := broker.RequestFileChangeApproval(ctx, approval.FileChangeRequest{
				ChannelID: channelFor(""),
				SessionID: req.ItemID,
				Changes:   changes,
				Reason:    req.Reason,
			})
			if err != nil {
				slog.Warn("file change approval failed, declining", "item", req.ItemID, "error", err)
				return codexapp.DecisionDecline
			}
			return toDecision(d)
		},
		OnUserInput: func(ctx context.Context, req codexapp.UserInputRequest) []codexapp.Answer {
			questions := make([]agent.Question, 0, len(req.Questions))
			for _, q := range req.Questions {
				options := make([]agent.QuestionOption, 0, len(q.Options))
				for _, o := range q.Options {
					options = append(options, agent.QuestionOption{Label: o.Label})
				}
				questions = append(questions, agent.Question{ID: q.ID, Question: q.Question, Options: options})
			}
			answers, err := broker.RequestToolUserInput(ctx, approval.UserInputRequest{
				ChannelID: channelFor(""),
				SessionID: req.ItemID,
				Questions: questions,
			})
			if err != nil {
				// nil hands the session back to its first-option defaults
				slog.Warn("user input request failed, using defaults", "item", req.ItemID, "error", err)
				return nil
			}
			out := make([]codexapp.Answer, 0, len(req.Questions))
			for i, q := range req.Questions {
				key := q.ID
				if key == "" {
					key = strconv.Itoa(i)
				}
				out = append(out, codexapp.Answer{QuestionID: q.ID, Answer: strings.Join(answers[key], ", ")})
			}
			return out
		},
	}
}

// maybeFixCodexConfig points the codex CLI's notify hook at this hub so
// turn completions reach /api/hook. A config.toml that already sets
// notify is left alone.
func maybeFixCodexConfig(codexHome, hookURL string, log *slog.Logger) {
	if codexHome == "" {
		return
	}
	path := filepath.Join(codexHome, "config.toml")
	raw, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		log.Warn("codex config fix skipped", "path", path, "error", err)
		return
	}
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "notify") {
			log.Debug("codex config already sets notify", "path", path)
			return
		}
	}
	if err := os.MkdirAll(codexHome, 0o755); err != nil {
		log.Warn("codex config fix failed", "path", path, "error", err)
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Warn("codex config fix failed", "path", path, "error", err)
		return
	}
	defer f.Close()
	// codex appends the event JSON as the trailing argument; sh exposes
	// it to the script as $0.
	entry := fmt.Sprintf("\nnotify = [\"sh\", \"-c\", \"curl -fsS -m 5 -X POST -H 'Content-Type: application/json' -d \\\"$0\\\" %s\"]\n", hookURL)
	if _, err := f.WriteString(entry); err != nil {
		log.Warn("codex config fix failed", "path", path, "error", err)
		return
	}
	log.Info("codex notify hook installed", "path", path, "url", hookURL)
}
