package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/halbridge/halbridge/pkg/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP control plane",
	Long: `Starts the HTTP control plane: the utterance and tool-call API, catalog and
guardrail introspection, the lifecycle event stream (SSE), the MCP endpoint
and Prometheus metrics. Shuts down gracefully on SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port; defaults to HALBRIDGE_PORT")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", version).Msg("🌉 halbridge starting...")

	cfg := loadConfig()
	if servePort > 0 {
		cfg.Port = servePort
	}

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("Shutdown cleanup failed")
		}
	}()

	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", srv.Port),
		Handler:     srv.Handler,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: /api/v1/events is a long-lived stream.
		IdleTimeout: 120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Int("port", srv.Port).Msg("🔥 halbridge is listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("🛑 Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if srv.Webhooks != nil {
		g.Go(func() error { return srv.Webhooks.Run(gctx) })
	}

	if srv.Janitor.Enabled() {
		g.Go(func() error {
			srv.Janitor.Start(gctx)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	log.Info().Msg("👋 halbridge stopped")
	return nil
}
