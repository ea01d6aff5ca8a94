//go:build tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"tailscale.com/tsnet"

	"github.com/tableforge/arbiter/internal/config"
)

// initTailscale serves the gateway mux on a tailnet listener alongside the
// regular TCP listener. Returns a cleanup function, or nil when disabled.
func initTailscale(ctx context.Context, cfg *config.Config, mux *http.ServeMux, log *slog.Logger) func() {
	if cfg.Tailscale.Hostname == "" {
		return nil
	}

	srv := &tsnet.Server{
		Hostname:  cfg.Tailscale.Hostname,
		Dir:       config.ExpandHome(cfg.Tailscale.StateDir),
		AuthKey:   cfg.Tailscale.AuthKey,
		Ephemeral: cfg.Tailscale.Ephemeral,
		Logf:      func(format string, args ...any) {}, // tsnet is chatty
	}

	ln, err := srv.Listen("tcp", ":80")
	if err != nil {
		log.Error("tailscale listen failed", "error", err)
		srv.Close()
		return nil
	}
	log.Info("tailscale.listening", "hostname", cfg.Tailscale.Hostname)

	httpServer := &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()
	go func() {
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Warn("tailscale serve stopped", "error", err)
		}
	}()

	return func() { srv.Close() }
}
