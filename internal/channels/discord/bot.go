// Package discord adapts the hub's chat-neutral contracts to the Discord
// Bot API: executing throttled sends, creating session threads, rendering
// approval prompts and feeding component interactions back to the brokers.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/praybot/internal/approval"
	"github.com/nextlevelbuilder/praybot/internal/throttle"
)

// Thread auto-archive after a day of silence; Discord reactivates archived
// threads on the next message, so routes stay valid.
const threadArchiveMinutes = 24 * 60

// messageLimit is Discord's hard cap on message content.
const messageLimit = 2000

// Config holds the bot credentials and scope.
type Config struct {
	Token   string
	GuildID string // scopes slash-command registration; empty registers globally
	// CustomIDPrefix must match the prefix the approval broker and hook
	// bridge encode into component ids. Empty uses the package default.
	CustomIDPrefix string
}

// InteractionSink consumes a parsed component interaction and returns the
// reply to show the clicking user. Both the approval broker and the hook
// bridge satisfy it.
type InteractionSink interface {
	HandleInteraction(inter approval.Interaction) approval.Reply
}

// TextInputSink consumes /codex-input submissions.
type TextInputSink interface {
	HandleTextInput(pendingID string, idx int, answer, userID string) approval.Reply
}

// ThreadInbox receives messages humans type into channels. The receiver
// decides whether the channel is a mapped session thread.
type ThreadInbox interface {
	OnThreadMessage(threadID, userID, content string)
}

// Bot is the hub's single Discord endpoint.
type Bot struct {
	session *discordgo.Session
	cfg     Config
	log     *slog.Logger

	broker InteractionSink
	bridge InteractionSink
	inputs TextInputSink
	inbox  ThreadInbox

	botUserID string
	commandID string
	running   atomic.Bool
}

var _ approval.Prompter = (*Bot)(nil)

// New creates the bot. Interaction handlers are wired afterwards with
// SetHandlers because the approval broker needs the bot as its Prompter.
func New(cfg Config, log *slog.Logger) (*Bot, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	if cfg.CustomIDPrefix == "" {
		cfg.CustomIDPrefix = approval.DefaultCustomIDPrefix
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	// The throttle queue owns pacing and retries; surface 429s instead of
	// blocking inside the REST client.
	session.ShouldRetryOnRateLimit = false

	if log == nil {
		log = slog.Default()
	}
	return &Bot{session: session, cfg: cfg, log: log}, nil
}

// SetHandlers wires the interaction consumers. broker receives approval and
// question components, bridge receives hook-gate components, inputs receives
// /codex-input submissions.
func (b *Bot) SetHandlers(broker, bridge InteractionSink, inputs TextInputSink) {
	b.broker = broker
	b.bridge = bridge
	b.inputs = inputs
}

// SetInbox wires the receiver for messages typed into mapped threads.
func (b *Bot) SetInbox(inbox ThreadInbox) { b.inbox = inbox }

// Start opens the gateway connection, resolves the bot identity and
// registers the /codex-input command.
func (b *Bot) Start(_ context.Context) error {
	b.session.AddHandler(b.onMessage)
	b.session.AddHandler(b.onInteraction)

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := b.session.User("@me")
	if err != nil {
		b.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	b.botUserID = user.ID

	if cmd, err := b.session.ApplicationCommandCreate(user.ID, b.cfg.GuildID, inputCommand()); err != nil {
		// Text fallback degrades to buttons-only; not fatal.
		b.log.Warn("slash command registration failed", "command", inputCommandName, "error", err)
	} else {
		b.commandID = cmd.ID
	}

	b.running.Store(true)
	b.log.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (b *Bot) Stop(_ context.Context) error {
	b.running.Store(false)
	if b.commandID != "" {
		if err := b.session.ApplicationCommandDelete(b.botUserID, b.cfg.GuildID, b.commandID); err != nil {
			b.log.Debug("slash command cleanup failed", "error", err)
		}
	}
	return b.session.Close()
}

// Execute delivers one throttle payload. It satisfies throttle.Executor:
// a Discord 429 comes back as *throttle.RateLimitError so the queue pauses
// the matching limiter and retries the same item at the head.
func (b *Bot) Execute(ctx context.Context, channelID string, p throttle.Payload) error {
	if !b.running.Load() {
		return fmt.Errorf("discord bot not running")
	}

	msg := &discordgo.MessageSend{}
	if e, ok := p.Embed.(*discordgo.MessageEmbed); ok && e != nil {
		msg.Embeds = []*discordgo.MessageEmbed{e}
	}
	if c, ok := p.Components.([]discordgo.MessageComponent); ok && len(c) > 0 {
		msg.Components = c
	}

	// Plain long texts split on newline boundaries; embeds and components
	// ride on the final chunk so they land after their context.
	chunks := splitChunks(p.Text, messageLimit)
	if len(chunks) == 0 {
		chunks = []string{""}
	}
	for i, chunk := range chunks {
		send := &discordgo.MessageSend{Content: chunk}
		if i == len(chunks)-1 {
			send.Embeds = msg.Embeds
			send.Components = msg.Components
		}
		if send.Content == "" && send.Embeds == nil && send.Components == nil {
			continue
		}
		if _, err := b.session.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx)); err != nil {
			return mapSendError(err)
		}
	}
	return nil
}

// CreateThread opens a public thread in channelID and returns its id.
// Satisfies the discovery layer's ThreadCreator.
func (b *Bot) CreateThread(ctx context.Context, channelID, name string) (string, error) {
	thread, err := b.session.ThreadStartComplex(channelID, &discordgo.ThreadStart{
		Name:                name,
		AutoArchiveDuration: threadArchiveMinutes,
		Type:                discordgo.ChannelTypeGuildPublicThread,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("create thread in %s: %w", channelID, err)
	}
	return thread.ID, nil
}

// mapSendError translates the REST client's rate-limit error into the
// throttle queue's typed form. discordgo does not surface the global flag,
// so 429s pause the channel limiter only.
func mapSendError(err error) error {
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		return &throttle.RateLimitError{RetryAfter: rl.RetryAfter}
	}
	return fmt.Errorf("send discord message: %w", err)
}

// splitChunks breaks content into ≤limit pieces, preferring a newline in
// the back half of each piece so code blocks and lists stay readable.
func splitChunks(content string, limit int) []string {
	var chunks []string
	for len(content) > 0 {
		if len(content) <= limit {
			chunks = append(chunks, content)
			break
		}
		cutAt := limit
		if idx := lastIndexByte(content[:limit], '\n'); idx > limit/2 {
			cutAt = idx + 1
		} else {
			for cutAt > 1 && content[cutAt]&0xC0 == 0x80 {
				cutAt--
			}
		}
		chunks = append(chunks, content[:cutAt])
		content = content[cutAt:]
	}
	return chunks
}

// lastIndexByte returns the last index of byte c in s, or -1.
func lastIndexByte(s string, c byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == c {
			return i
		}
	}
	return -1
}
