package discord

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/praybot/internal/approval"
)

const inputCommandName = "codex-input"

// inputCommand declares the text fallback for select menus whose real
// answer is not among the offered options.
func inputCommand() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        inputCommandName,
		Description: "Answer a pending agent question by text",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "pending",
				Description: "Pending request id",
				Required:    true,
			},
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        "question",
				Description: "Question number (1-based)",
				Required:    true,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "answer",
				Description: "Your answer",
				Required:    true,
			},
		},
	}
}

// onInteraction dispatches component clicks and slash commands.
func (b *Bot) onInteraction(_ *discordgo.Session, i *discordgo.InteractionCreate) {
	switch i.Type {
	case discordgo.InteractionMessageComponent:
		b.onComponent(i)
	case discordgo.InteractionApplicationCommand:
		b.onCommand(i)
	}
}

func (b *Bot) onComponent(i *discordgo.InteractionCreate) {
	data := i.MessageComponentData()
	inter := approval.Interaction{
		CustomID: data.CustomID,
		Values:   data.Values,
		UserID:   interactionUserID(i),
	}

	sink := b.broker
	if strings.HasPrefix(data.CustomID, b.cfg.CustomIDPrefix+":hk:") {
		sink = b.bridge
	}
	if sink == nil {
		return
	}

	reply := sink.HandleInteraction(inter)
	b.respond(i.Interaction, reply)
	if reply.Resolved && i.Message != nil {
		b.stripComponents(i.ChannelID, i.Message.ID)
	}
}

func (b *Bot) onCommand(i *discordgo.InteractionCreate) {
	data := i.ApplicationCommandData()
	if data.Name != inputCommandName {
		return
	}
	if b.inputs == nil {
		b.respond(i.Interaction, approval.Reply{Text: "Text input is not available.", Ephemeral: true})
		return
	}

	var pendingID, answer string
	var idx int
	for _, opt := range data.Options {
		switch opt.Name {
		case "pending":
			pendingID = opt.StringValue()
		case "question":
			idx = int(opt.IntValue())
		case "answer":
			answer = opt.StringValue()
		}
	}

	reply := b.inputs.HandleTextInput(pendingID, idx, answer, interactionUserID(i))
	b.respond(i.Interaction, reply)
}

// onMessage forwards human messages to the thread inbox. Route filtering
// lives behind the inbox; everything that is not a mapped thread is
// dropped there.
func (b *Bot) onMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == b.botUserID {
		return
	}
	if b.inbox == nil {
		return
	}

	content := strings.TrimSpace(m.Content)
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		return
	}

	b.inbox.OnThreadMessage(m.ChannelID, m.Author.ID, content)
}

func (b *Bot) respond(inter *discordgo.Interaction, reply approval.Reply) {
	resp := &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: clampContent(reply.Text, messageLimit)},
	}
	if reply.Ephemeral {
		resp.Data.Flags = discordgo.MessageFlagsEphemeral
	}
	if err := b.session.InteractionRespond(inter, resp); err != nil {
		b.log.Warn("interaction response failed", "error", err)
	}
}

func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}
