package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/partytracks"
	"github.com/dkeye/partytracks/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	sfuURL := flag.String("sfu-url", "http://localhost:8787", "base URL of the SFU HTTP API")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config, continuing with defaults")
	}

	client := partytracks.New(partytracks.Options{
		BaseURL: *sfuURL,
		Config:  cfg,
	})

	sessions, unsubSessions := client.Sessions().Subscribe()
	defer unsubSessions()

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"demo-audio", "partytracks-demo",
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create local track")
	}

	handle := client.Push(track, nil)
	metadata, unsubMetadata := handle.Metadata().Subscribe()
	defer unsubMetadata()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sessions:
				if !ok {
					return
				}
				if ev.Err != nil {
					log.Error().Err(ev.Err).Msg("session error")
					continue
				}
				log.Info().Str("sessionId", ev.Val.SessionID).Msg("session ready")
			case ev, ok := <-metadata:
				if !ok {
					return
				}
				if ev.Err != nil {
					log.Error().Err(ev.Err).Msg("push error")
					continue
				}
				log.Info().Str("trackName", ev.Val.TrackName).Msg("push track metadata")
			case <-time.After(33 * time.Millisecond):
				_ = track.WriteSample(media.Sample{Data: []byte{0x00}, Duration: 20 * time.Millisecond})
			}
		}
	}()

	log.Info().Str("sfuUrl", *sfuURL).Msg("partytracks demo running")
	<-ctx.Done()
	log.Info().Msg("shutting down")
}
