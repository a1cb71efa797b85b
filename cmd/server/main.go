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

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/ezstream/internal/adapters/http"
	"github.com/dkeye/ezstream/internal/adapters/presence"
	"github.com/dkeye/ezstream/internal/app"
	"github.com/dkeye/ezstream/internal/app/orch"
	"github.com/dkeye/ezstream/internal/app/transcode"
	"github.com/dkeye/ezstream/internal/config"
	"github.com/dkeye/ezstream/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Early logger so config.Load can report; reconfigured below.
	config.SetupLogger("info", "console")

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		os.Exit(1)
	}
	config.SetupLogger(cfg.LogLevel, cfg.LogFormat)

	var policy app.Policy = app.SimplePolicy{}
	if cfg.SlowConsume == "drop" {
		policy = app.DropPolicy{}
	}
	supervisor := transcode.NewSupervisor(cfg.TranscodeOptions(), nil)

	o := &orch.Orchestrator{
		Registry:        app.NewRegistry(),
		Rooms:           core.NewRoomDirectory(),
		Streams:         supervisor,
		Policy:          policy,
		JoinNotifyDelay: cfg.JoinNotifyDelay,
	}

	var mirror *presence.Mirror
	if cfg.Redis.Addr != "" {
		mirror, err = presence.Connect(ctx, presence.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		})
		if err != nil {
			log.Warn().Err(err).Msg("presence mirror disabled")
		} else {
			o.Presence = mirror
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	// Websocket connections run under gctx so they also wind down when the
	// listener fails.
	r, signals := router.SetupRouter(gctx, cfg, o, supervisor)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("ezstream server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		// Shutdown does not wait for hijacked websockets; their disconnect
		// cleanup still touches the supervisor and the presence mirror.
		if err := signals.Wait(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("websocket connections still closing")
		}
		supervisor.StopAll()
		o.Close()
		if mirror != nil {
			if err := mirror.Close(); err != nil {
				log.Warn().Err(err).Msg("close presence mirror")
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}
