package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/peercall/internal/adapters/http"
	"github.com/dkeye/peercall/internal/adapters/media"
	"github.com/dkeye/peercall/internal/adapters/rtc"
	sig "github.com/dkeye/peercall/internal/adapters/signal"
	"github.com/dkeye/peercall/internal/app"
	"github.com/dkeye/peercall/internal/app/orch"
	"github.com/dkeye/peercall/internal/config"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/dkeye/peercall/internal/relay"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	fs := config.Flags("peercall")
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

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("peercall stopped")
	}
	log.Info().Msg("peercall exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	identity, err := resolveIdentity(cfg)
	if err != nil {
		return err
	}

	policy := app.ExponentialPolicy{
		Base:        cfg.Reconnect.Base,
		Max:         cfg.Reconnect.Max,
		MaxAttempts: cfg.Reconnect.MaxAttempts,
	}
	clk := clock.New()

	remote := rtc.NewFanout()
	received := rtc.NewPacketCounter()
	remote.Attach("stats", received)
	defer func() {
		for track, st := range received.Stats() {
			log.Info().Str("track_id", track).Uint64("packets", st.Packets).Uint64("bytes", st.Bytes).Msg("remote media received")
		}
	}()

	peers, err := rtc.NewFactory(rtc.Config{
		ICEServers:      iceServers(cfg.ICE),
		DisconnectGrace: cfg.Call.DisconnectGrace,
		PortMin:         cfg.ICE.PortMin,
		PortMax:         cfg.ICE.PortMax,
		IncludeLoopback: cfg.ICE.IncludeLoopback,
		Sink:            remote,
		Clock:           clk,
		LoggerFactory:   rtc.NewLoggerFactory(log.Logger),
	})
	if err != nil {
		return fmt.Errorf("peer factory: %w", err)
	}

	// Headless: capture devices are synthetic sources.
	acquirer := media.NewAcquirer(media.NewSyntheticBackend(clk), cfg.Media.Audio, cfg.Media.Video)

	client := sig.NewClient(sig.Options{
		URL:             cfg.Relay.URL,
		HeartbeatPeriod: cfg.Relay.HeartbeatPeriod,
		WriteWait:       cfg.Relay.WriteWait,
		ReadLimit:       cfg.Relay.ReadLimit,
		SendBuffer:      cfg.Relay.SendBuffer,
		Policy:          policy,
		Clock:           clk,
	})

	calls := orch.New(orch.Config{
		Self:        identity.UserID,
		RingTimeout: cfg.Call.RingTimeout,
		GraceDelay:  cfg.Call.GraceDelay,
		Policy:      policy,
	}, orch.Deps{
		Signals: client,
		Media:   acquirer,
		Peers:   peers,
		Clock:   clk,
	})

	client.OnEnvelope(calls.HandleEnvelope)
	client.OnPresence(calls.HandlePresence)
	client.OnSocial(calls.HandleSocial)
	client.OnOpen(calls.HandleChannelOpen)
	client.OnClosed(func(ev sig.ClosedEvent) { calls.HandleChannelClosed(ev.GaveUp) })

	g, gctx := errgroup.WithContext(ctx)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Control.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.SetupControlRouter(cfg, calls),
		ReadHeaderTimeout: 15 * time.Second,
		// event streams end with the process
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error { return calls.Run(gctx) })
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("control API started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		client.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := client.Connect(gctx, identity); err != nil {
		return err
	}
	log.Info().Str("user", string(identity.UserID)).Str("relay", cfg.Relay.URL).Msg("peercall started")
	return g.Wait()
}

// resolveIdentity takes the credential handed over by the account layer.
// In development a missing token is minted with the shared secret.
func resolveIdentity(cfg *config.Config) (sig.Identity, error) {
	id := sig.Identity{UserID: domain.UserID(cfg.Identity.UserID), Token: cfg.Identity.Token}
	if err := id.UserID.Validate(); err != nil {
		return sig.Identity{}, fmt.Errorf("identity.user_id: %w", err)
	}
	if id.Token != "" {
		return id, nil
	}
	auth, err := relay.NewAuthenticator(cfg.Secret, cfg.Relay.TokenTTL, nil)
	if err != nil {
		return sig.Identity{}, fmt.Errorf("no identity.token and %w", err)
	}
	id.Token, err = auth.Issue(id.UserID, cfg.Identity.Username)
	if err != nil {
		return sig.Identity{}, err
	}
	log.Warn().Str("user", string(id.UserID)).Msg("using a locally minted development token")
	return id, nil
}

func iceServers(c config.ICEConfig) []webrtc.ICEServer {
	if len(c.Servers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{
		URLs:       c.Servers,
		Username:   c.Username,
		Credential: c.Credential,
	}}
}
