package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"tailscale.com/tsnet"
)

// TailscaleOptions configures the optional tailnet listener.
type TailscaleOptions struct {
	Hostname  string
	StateDir  string
	AuthKey   string
	Ephemeral bool
}

// StartTailscale exposes mux on a tailnet node so hook scripts and the
// CLI can reach the hub from other machines. Disabled (noop cleanup)
// when no hostname is configured.
func StartTailscale(ctx context.Context, opts TailscaleOptions, mux *http.ServeMux, log *slog.Logger) (cleanup func(), err error) {
	if opts.Hostname == "" {
		return func() {}, nil
	}
	if log == nil {
		log = slog.Default()
	}

	node := &tsnet.Server{
		Hostname:  opts.Hostname,
		Dir:       opts.StateDir,
		AuthKey:   opts.AuthKey,
		Ephemeral: opts.Ephemeral,
		Logf: func(format string, args ...any) {
			log.Debug("tsnet: " + fmt.Sprintf(format, args...))
		},
	}

	ln, err := node.Listen("tcp", ":80")
	if err != nil {
		node.Close()
		return nil, fmt.Errorf("tailscale listen: %w", err)
	}

	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("tailscale serve failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	log.Info("tailscale gateway up", "hostname", opts.Hostname)
	return func() {
		srv.Close()
		node.Close()
	}, nil
}
