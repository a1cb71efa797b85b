package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/ezstream/internal/config"
	"github.com/dkeye/ezstream/internal/rtmpsink"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	config.SetupLogger("info", "console")
	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		os.Exit(1)
	}
	config.SetupLogger(cfg.LogLevel, cfg.LogFormat)

	ln, err := net.Listen("tcp", cfg.RTMPSink.Addr)
	if err != nil {
		log.Error().Err(err).Str("addr", cfg.RTMPSink.Addr).Msg("listen")
		os.Exit(1)
	}
	sink := rtmpsink.New()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := sink.Serve(ln)
		if gctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				if err := sink.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
					log.Warn().Err(err).Msg("close rtmp sink")
				}
				return nil
			case <-ticker.C:
				for _, st := range sink.Streams() {
					if st.Live {
						log.Info().Str("stream", st.Name).Uint64("video_bytes", st.VideoBytes).Uint64("audio_bytes", st.AudioBytes).Msg("receiving")
					}
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("rtmp sink error")
		os.Exit(1)
	}
}
