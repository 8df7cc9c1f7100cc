package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"videoroom/internal/adapters"
	"videoroom/internal/config"
	"videoroom/internal/media/msengine"
	"videoroom/internal/recording"
	"videoroom/internal/rooms"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("LOG_LEVEL") == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	for _, dir := range []string{cfg.Recording.Dir, cfg.Recording.SDPDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal().Err(err).Str("dir", dir).Msg("failed to create recording directory")
		}
	}

	ports, err := recording.NewPortAllocator(cfg.Recording.PortMin, cfg.Recording.PortMax)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid recording port range")
	}

	engine := msengine.New(msengine.Options{
		WorkerBin:   cfg.Media.WorkerBin,
		ListenIP:    cfg.Media.ListenIP,
		AnnouncedIP: cfg.Media.AnnouncedIP,
		RtcMinPort:  cfg.Media.RtcMinPort,
		RtcMaxPort:  cfg.Media.RtcMaxPort,
	})

	registry := rooms.NewRegistry(engine, recording.Options{
		FFmpegBin: cfg.Recording.FFmpegBin,
		Dir:       cfg.Recording.Dir,
		SDPDir:    cfg.Recording.SDPDir,
		Ports:     ports,
	})

	r := adapters.SetupRouter(ctx, cfg, registry, log.Logger)
	addr := fmt.Sprintf("%s:%d", cfg.ListenIP, cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("videoroom server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
