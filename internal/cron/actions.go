package cron

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Built-in action types. chat_message and agent_prompt handlers are wired by
// the gateway since they need the outbound queue and the thread registry;
// shell is self-contained.
const (
	ActionChatMessage = "chat_message"
	ActionAgentPrompt = "agent_prompt"
	ActionShell       = "shell"
)

// ConfigString reads a string field from an action config.
func ConfigString(cfg map[string]any, key string) (string, bool) {
	v, ok := cfg[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// ShellAction runs config.command through `sh -c` in config.cwd (optional).
// The run context carries the job timeout; on expiry CommandContext kills
// the shell.
func ShellAction() ActionFunc {
	return func(ctx context.Context, job *Job) error {
		command, ok := ConfigString(job.Action.Config, "command")
		if !ok || strings.TrimSpace(command) == "" {
			return fmt.Errorf("shell action requires config.command")
		}
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		if cwd, ok := ConfigString(job.Action.Config, "cwd"); ok {
			cmd.Dir = cwd
		}
		out, err := cmd.CombinedOutput()
		if err != nil {
			msg := strings.TrimSpace(string(out))
			if len(msg) > 500 {
				msg = msg[:500]
			}
			if msg != "" {
				return fmt.Errorf("shell: %w: %s", err, msg)
			}
			return fmt.Errorf("shell: %w", err)
		}
		return nil
	}
}
