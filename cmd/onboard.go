package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/praybot/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-time setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard()
		},
	}
}

func runOnboard() error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if _, statErr := os.Stat(cfgPath); statErr == nil {
		overwrite := false
		confirm := huh.NewConfirm().
			Title(fmt.Sprintf("Config exists at %s. Reconfigure?", cfgPath)).
			Value(&overwrite)
		if err := confirm.Run(); err != nil {
			return err
		}
		if !overwrite {
			fmt.Println("Keeping existing config.")
			return nil
		}
	}

	token := cfg.Discord.Token
	guildID := cfg.Discord.GuildID
	fallback := cfg.Discord.FallbackChannel
	stateDir := cfg.StateDir
	channelsFile := cfg.Discovery.ChannelsFile

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Discord bot token").
				Description("From the Discord developer portal (Bot → Token). Needs messages, threads, and components.").
				EchoMode(huh.EchoModePassword).
				Value(&token).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("token is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Guild ID").
				Description("The server the bot lives in. Leave empty to accept interactions from any guild.").
				Value(&guildID),
			huh.NewInput().
				Title("Fallback channel ID").
				Description("Sessions whose project matches no channel mapping get their thread here. Leave empty to skip unmapped sessions.").
				Value(&fallback),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("State directory").
				Description("Where the hub keeps its cron store, route database, and thread exports.").
				Value(&stateDir).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("state directory is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Channel registry file (optional)").
				Description("JSON mapping project paths to parent channel ids for auto-thread placement.").
				Value(&channelsFile),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.Discord.Token = strings.TrimSpace(token)
	cfg.Discord.GuildID = strings.TrimSpace(guildID)
	cfg.Discord.FallbackChannel = strings.TrimSpace(fallback)
	cfg.StateDir = strings.TrimSpace(stateDir)
	cfg.Discovery.ChannelsFile = strings.TrimSpace(channelsFile)

	if err := os.MkdirAll(cfg.StateDirPath(), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Println()
	fmt.Printf("Config saved to %s\n", cfgPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. praybot doctor     # verify the environment")
	fmt.Println("  2. praybot            # start the hub")
	fmt.Printf("  3. Point assistant hooks at http://127.0.0.1:%d/api/hook\n", cfg.Gateway.Port)
	return nil
}
