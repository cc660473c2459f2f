package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/praybot/internal/cron"
	"github.com/nextlevelbuilder/praybot/internal/throttle"
)

// PromptDispatcher routes a scheduled prompt into a live session thread.
// Implemented by the gateway dispatcher.
type PromptDispatcher interface {
	SendPrompt(ctx context.Context, provider, sessionID, text string) error
}

// makeChatMessageAction builds the chat_message executor. The message
// goes through the throttle queue like any other outbound text, so cron
// bursts cannot starve interactive traffic.
func makeChatMessageAction(queue *throttle.Queue, fallbackChannel string) cron.ActionFunc {
	return func(ctx context.Context, job *cron.Job) error {
		message, ok := cron.ConfigString(job.Action.Config, "message")
		if !ok || strings.TrimSpace(message) == "" {
			return fmt.Errorf("chat_message action requires config.message")
		}
		channelID, _ := cron.ConfigString(job.Action.Config, "channel_id")
		if channelID == "" {
			channelID = fallbackChannel
		}
		if channelID == "" {
			return fmt.Errorf("chat_message action requires config.channel_id or a fallback channel")
		}
		c := queue.Send(channelID, throttle.Payload{Text: message}, throttle.SendOptions{
			MergeKey: "cron:" + job.ID,
		})
		return c.Wait(ctx)
	}
}

// makeAgentPromptAction builds the agent_prompt executor. The turn runs
// to completion inside the job's run window so timeouts and lastStatus
// reflect the agent, not just the dispatch.
func makeAgentPromptAction(prompts PromptDispatcher) cron.ActionFunc {
	return func(ctx context.Context, job *cron.Job) error {
		provider, ok := cron.ConfigString(job.Action.Config, "provider")
		if !ok || provider == "" {
			return fmt.Errorf("agent_prompt action requires config.provider")
		}
		sessionID, ok := cron.ConfigString(job.Action.Config, "session_id")
		if !ok || sessionID == "" {
			return fmt.Errorf("agent_prompt action requires config.session_id")
		}
		text, ok := cron.ConfigString(job.Action.Config, "text")
		if !ok || strings.TrimSpace(text) == "" {
			return fmt.Errorf("agent_prompt action requires config.text")
		}
		return prompts.SendPrompt(ctx, provider, sessionID, text)
	}
}
