package discord

import (
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/praybot/internal/approval"
)

// SendPrompt posts an interactive approval prompt and returns the message
// id. Prompts bypass the throttle queue because the broker blocks on the
// message id to finalize components later.
func (b *Bot) SendPrompt(p approval.Prompt) (string, error) {
	if !b.running.Load() {
		return "", fmt.Errorf("discord bot not running")
	}
	msg := &discordgo.MessageSend{
		Content:    clampContent(p.Text, messageLimit),
		Components: buildRows(p.Rows),
	}
	m, err := b.session.ChannelMessageSendComplex(p.ChannelID, msg)
	if err != nil {
		return "", fmt.Errorf("send prompt to %s: %w", p.ChannelID, err)
	}
	return m.ID, nil
}

// buildRows renders chat-neutral action rows into Discord components.
func buildRows(rows []approval.ActionRow) []discordgo.MessageComponent {
	out := make([]discordgo.MessageComponent, 0, len(rows))
	for _, row := range rows {
		if row.Select != nil {
			out = append(out, discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{buildSelect(row.Select)},
			})
			continue
		}
		buttons := make([]discordgo.MessageComponent, 0, len(row.Buttons))
		for _, btn := range row.Buttons {
			buttons = append(buttons, discordgo.Button{
				Label:    btn.Label,
				Style:    buttonStyle(btn.Style),
				CustomID: btn.CustomID,
			})
		}
		if len(buttons) > 0 {
			out = append(out, discordgo.ActionsRow{Components: buttons})
		}
	}
	return out
}

func buildSelect(sel *approval.SelectMenu) discordgo.SelectMenu {
	menu := discordgo.SelectMenu{
		MenuType:    discordgo.StringSelectMenu,
		CustomID:    sel.CustomID,
		Placeholder: sel.Placeholder,
		Options:     make([]discordgo.SelectMenuOption, 0, len(sel.Options)),
	}
	for _, o := range sel.Options {
		menu.Options = append(menu.Options, discordgo.SelectMenuOption{
			Label:       clampContent(o.Label, 100),
			Value:       o.Value,
			Description: clampContent(o.Description, 100),
		})
	}
	if sel.MaxValues > 1 {
		menu.MaxValues = sel.MaxValues
		if menu.MaxValues > len(menu.Options) {
			menu.MaxValues = len(menu.Options)
		}
	}
	return menu
}

func buttonStyle(s approval.ButtonStyle) discordgo.ButtonStyle {
	switch s {
	case approval.StylePrimary:
		return discordgo.PrimaryButton
	case approval.StyleSuccess:
		return discordgo.SuccessButton
	case approval.StyleDanger:
		return discordgo.DangerButton
	default:
		return discordgo.SecondaryButton
	}
}

// stripComponents finalizes a resolved prompt so stale buttons cannot be
// clicked again.
func (b *Bot) stripComponents(channelID, messageID string) {
	none := []discordgo.MessageComponent{}
	_, err := b.session.ChannelMessageEditComplex(&discordgo.MessageEdit{
		Channel:    channelID,
		ID:         messageID,
		Components: &none,
	})
	if err != nil {
		b.log.Debug("prompt finalize failed", "channel", channelID, "message", messageID, "error", err)
	}
}

// clampContent truncates s to at most max bytes, ending on a rune boundary
// with an ellipsis. Discord rejects oversize content outright, so
// truncation beats a failed send.
func clampContent(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - len("…")
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + "…"
}
