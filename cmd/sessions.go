package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/praybot/internal/monitor"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List the coding-assistant sessions the hub tracks",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Sessions []monitor.SessionSnapshot `json:"sessions"`
			}
			if err := hubRequest("GET", "/api/sessions", nil, &resp); err != nil {
				return err
			}
			if len(resp.Sessions) == 0 {
				fmt.Println("No sessions tracked.")
				return nil
			}
			printSessionTable(resp.Sessions)
			return nil
		},
	}
	cmd.Flags().StringVar(&hubAddr, "addr", "", "hub address (default from config)")
	return cmd
}

// printSessionTable renders snapshots as a fixed-width table. Column
// widths are computed with runewidth so CJK project names and slugs do
// not shear the layout.
func printSessionTable(sessions []monitor.SessionSnapshot) {
	headers := []string{"PROVIDER", "SESSION", "PROJECT", "STATE", "PHASE", "TURNS", "TOKENS", "ACTIVITY"}
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, []string{
			s.Provider,
			shortID(s.SessionID),
			truncateCell(s.ProjectName, 28),
			string(s.State),
			s.ActivityPhase,
			fmt.Sprintf("%d", s.TurnCount),
			formatTokens(s.Tokens.Input + s.Tokens.Output),
			formatAge(time.Since(s.LastActivity)),
		})
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	for i, h := range headers {
		b.WriteString(runewidth.FillRight(h, widths[i]+2))
	}
	fmt.Println(strings.TrimRight(b.String(), " "))
	for _, row := range rows {
		b.Reset()
		for i, cell := range row {
			b.WriteString(runewidth.FillRight(cell, widths[i]+2))
		}
		fmt.Println(strings.TrimRight(b.String(), " "))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncateCell(s string, max int) string {
	return runewidth.Truncate(s, max, "…")
}

func formatTokens(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fk", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
