package rolesync

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// Run starts the role sync HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	svc, err := Open(version)
	if err != nil {
		return err
	}
	defer svc.Close()
	cfg := svc.Config
	log.Info().Str("version", version).Msg("Starting Pulse role sync")

	// Build HTTP routes
	mux := http.NewServeMux()
	RegisterRoutes(mux, &Deps{
		Config:  cfg,
		Service: svc,
		Version: version,
	})

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Create derived context for background goroutines
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go svc.Resolver.Run(ctx)
	go svc.Sweeper.Run(ctx)
	go runLinkStateMetrics(ctx, svc.Registry)

	// Start server in background
	go func() {
		log.Info().Str("addr", addr).Msg("Role sync listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Server failed")
			cancel()
		}
	}()

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	log.Info().Msg("Role sync stopped")
	return nil
}
