package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"
)

func eventsCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail the hub's lifecycle event stream",
		Long:  "Connects to the hub's /api/events websocket and prints each lifecycle event (session transitions, approvals, cron runs) as a JSON line.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			url := "ws://" + resolveHubAddr() + "/api/events"
			for {
				err := streamEvents(ctx, url)
				if ctx.Err() != nil {
					return nil
				}
				if !follow {
					return err
				}
				fmt.Fprintf(os.Stderr, "connection lost (%v), reconnecting...\n", err)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(2 * time.Second):
				}
			}
		},
	}
	cmd.Flags().StringVar(&hubAddr, "addr", "", "hub address (default from config)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "reconnect when the stream drops")
	return cmd
}

// streamEvents dials the event socket and prints frames until the
// connection drops or ctx is cancelled.
func streamEvents(ctx context.Context, url string) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	fmt.Fprintf(os.Stderr, "connected to %s\n", url)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	}
}
