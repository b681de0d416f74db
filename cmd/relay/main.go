package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	router "github.com/dkeye/peercall/internal/adapters/http"
	"github.com/dkeye/peercall/internal/config"
	"github.com/dkeye/peercall/internal/relay"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	fs := config.Flags("relay")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatal().Err(err).Msg("bad flags")
	}

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	auth, err := relay.NewAuthenticator(cfg.Secret, cfg.Relay.TokenTTL, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("relay needs a secret (PEERCALL_SECRET)")
	}
	hub := relay.NewHub(auth, relay.Options{
		ReadLimit:  cfg.Relay.ReadLimit,
		WriteWait:  cfg.Relay.WriteWait,
		IdleWait:   cfg.Relay.IdleWait,
		SendBuffer: cfg.Relay.SendBuffer,
		Limiter:    relay.NewSignalLimiter(cfg.Relay.SignalRate, cfg.Relay.SignalBurst),
	})

	addr := fmt.Sprintf(":%d", cfg.Relay.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.SetupRelayRouter(ctx, cfg, hub, auth),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("relay started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	hub.Close()
	log.Info().Msg("Relay exited gracefully")
}
