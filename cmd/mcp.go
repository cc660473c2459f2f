package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/praybot/internal/mcpserver"
)

func mcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve hub tools over MCP on stdio",
		Long:  "Exposes list_sessions, get_session, send_prompt, list_cron_jobs, and resolve_pending as MCP tools. Register this command as a stdio MCP server in your coding assistant; calls proxy to the running hub.",
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := mcpserver.New(mcpserver.Config{
				HubURL: "http://" + resolveHubAddr(),
			}, Version)
			if err := mcpserver.ServeStdio(srv); err != nil {
				fmt.Fprintf(os.Stderr, "mcp server error: %v\n", err)
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&hubAddr, "addr", "", "hub address (default from config)")
	return cmd
}
