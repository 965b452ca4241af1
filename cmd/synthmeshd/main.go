// Command synthmeshd is the coordination server for the distributed
// synthesizer: WebRTC signaling relay, controller leadership, and client
// lifecycle over a shared key-value store.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/synthmesh/synthmesh/internal/auth"
	"github.com/synthmesh/synthmesh/internal/config"
	"github.com/synthmesh/synthmesh/internal/httpapi"
	"github.com/synthmesh/synthmesh/internal/leader"
	"github.com/synthmesh/synthmesh/internal/logging"
	"github.com/synthmesh/synthmesh/internal/metrics"
	"github.com/synthmesh/synthmesh/internal/reaper"
	"github.com/synthmesh/synthmesh/internal/registry"
	"github.com/synthmesh/synthmesh/internal/relay"
	"github.com/synthmesh/synthmesh/internal/store"
)

func main() {
	bootstrap := logging.New(logging.Config{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("Configuration error")
	}

	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(log)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Server exited with error")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.New()

	reg := registry.New(st, cfg.InstanceID, time.Now, log)
	lead := leader.New(st, cfg.InstanceID, time.Now, log)
	lead.Hooks(
		m.Leadership.Changes.Inc,
		m.Leadership.Expirations.Inc,
		m.Leadership.HeartbeatsDenied.Inc,
	)

	table := reaper.NewPeerTable()
	reap := reaper.New(st, reg, table, time.Now, log)
	reap.Hooks(m.Reaper.Sweeps.Inc, m.Reaper.Evictions.Inc)

	hub := relay.NewHub()
	router := relay.NewRouter(relay.Config{
		Store:      st,
		Registry:   reg,
		Leader:     lead,
		Reaper:     reap,
		PeerTable:  table,
		Hub:        hub,
		Metrics:    m,
		InstanceID: cfg.InstanceID,
		Logger:     log,
	})

	notifier := leader.NewNotifier(lead, router, time.Now, log)
	go func() {
		defer logging.RecoverPanic(log, "leader-notifier")
		notifier.Run(ctx)
	}()

	sessions := auth.NewManager(cfg.JWTSecret, cfg.SessionTTL)
	server := httpapi.New(cfg, st, reg, lead, router, hub, sessions, m, log)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	log.Info().Msg("Shutdown complete")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Store, error) {
	if cfg.RedisAddr == "" {
		log.Warn().Msg("No REDIS_ADDR configured, using in-process store (single instance only)")
		return store.NewMemory(), nil
	}
	st, err := store.NewRedis(ctx, store.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("redis_addr", cfg.RedisAddr).Msg("Connected to shared store")
	return st, nil
}
