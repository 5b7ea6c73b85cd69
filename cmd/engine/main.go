// Command engine is the audio inference orchestration engine's process
// entry point: it loads configuration, opens the store, wires the
// Processor/HealthMonitor/StreamHub/EventBus, and serves the HTTP/WebSocket
// API until terminated.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/scribeframe/engine/pkg/api"
	"github.com/scribeframe/engine/pkg/chunks"
	"github.com/scribeframe/engine/pkg/config"
	"github.com/scribeframe/engine/pkg/events"
	"github.com/scribeframe/engine/pkg/health"
	"github.com/scribeframe/engine/pkg/jobregistry"
	"github.com/scribeframe/engine/pkg/processor"
	"github.com/scribeframe/engine/pkg/provider"
	"github.com/scribeframe/engine/pkg/store"
	"github.com/scribeframe/engine/pkg/stream"
	"github.com/scribeframe/engine/pkg/submissions"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config", getEnv("CONFIG_PATH", "./config.yaml"), "path to YAML configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: could not load .env file: %v", err)
		log.Printf("continuing with existing environment variables")
	}

	logger := slog.Default()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Uploads, 0o755); err != nil {
		slog.Error("failed to create uploads directory", "error", err)
		os.Exit(1)
	}

	s, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer s.Close()

	jobs := jobregistry.New(s)
	subs := submissions.New(s, jobs)
	chunkReg := chunks.New(s)

	providers := map[string]provider.Provider{
		"mock": provider.NewMock(),
	}
	if localURL := os.Getenv("LOCAL_PROVIDER_URL"); localURL != "" {
		providers["local"] = provider.NewLocal(localURL)
	}

	bus := events.New(events.Config{
		Jobs:                 jobs,
		InitialStateJobCount: cfg.Events.InitialStateJobCount,
		Log:                  logger,
	})

	hub := stream.New(stream.Config{
		Submissions:         subs,
		Chunks:              chunkReg,
		Jobs:                jobs,
		STT:                 stream.NewMockSTTClient(),
		UploadsDir:          cfg.Uploads,
		Provider:            "mock",
		MaxViewers:          cfg.Stream.MaxViewers,
		MinWordsForAnalysis: cfg.Stream.MinWordsForAnalysis,
		UtteranceEndMs:      cfg.Stream.UtteranceEndMs,
		SampleRateHz:        cfg.Stream.SampleRateHz,
		StatusDebounce:      cfg.Stream.StatusDebounce,
		Log:                 logger,
	})

	proc := processor.New(processor.Config{
		Jobs:         jobs,
		Submissions:  subs,
		Providers:    providers,
		Events:       bus,
		Chunks:       hub,
		Log:          logger,
		PollInterval: cfg.Queue.PollInterval,
	})

	monitor := health.New(s, subs, cfg.Queue.StuckCheckInterval, logger)
	if err := monitor.CleanupStartupOrphans(ctx); err != nil {
		slog.Error("startup orphan cleanup failed", "error", err)
	}
	monitor.Start(ctx)
	defer monitor.Stop()

	proc.Start(ctx)
	defer proc.Stop()

	server := api.NewServer(api.Config{
		Store:       s,
		Jobs:        jobs,
		Submissions: subs,
		Hub:         hub,
		Bus:         bus,
		Processor:   proc,
	})

	errCh := make(chan error, 1)
	go func() {
		slog.Info("engine listening", "addr", cfg.HTTP.Addr)
		errCh <- server.Start(cfg.HTTP.Addr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
}
