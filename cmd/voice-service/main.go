// main package for the voice-service
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/spf13/pflag"

	"github.com/book-expert/voice-service/internal/config"
	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/objectstore"
	"github.com/book-expert/voice-service/internal/server"
	"github.com/book-expert/voice-service/internal/synthcache"
	"github.com/book-expert/voice-service/internal/tts"
	"github.com/book-expert/voice-service/internal/tts/whisper"
	"github.com/book-expert/voice-service/internal/voices"
	"github.com/book-expert/voice-service/internal/worker"
)

const (
	bootstrapLogFile = "voice-service-bootstrap.log"
	serviceLogFile   = "voice-service.log"
)

type appFlags struct {
	configPath string
}

func parseFlags(args []string) (appFlags, error) {
	var flags appFlags

	flagSet := pflag.NewFlagSet("voice-service", pflag.ContinueOnError)
	flagSet.StringVarP(&flags.configPath, "config", "c", "",
		"Path to a TOML configuration file (defaults to the project configurator)")

	err := flagSet.Parse(args)
	if err != nil {
		return appFlags{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	return flags, nil
}

func loadConfig(flags appFlags, log *logger.Logger) (*config.Config, error) {
	if flags.configPath != "" {
		return config.LoadFile(flags.configPath)
	}

	return config.Load(log)
}

// newTranscriber returns nil when transcription cannot be configured; the
// service then runs without the transcription endpoints.
func newTranscriber(cfg *config.Config, log *logger.Logger) core.Transcriber {
	service, err := whisper.NewTranscriber(cfg.Transcription, log)
	if err != nil {
		log.Warn("Transcription disabled: %v", err)

		return nil
	}

	return service
}

func startWorker(ctx context.Context, cfg *config.Config, engine *tts.Engine, log *logger.Logger) (func(), error) {
	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		natsConnection.Close()

		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := objectstore.New(ctx, cfg.ObjectStore, jetstreamContext)
	if err != nil {
		natsConnection.Close()

		return nil, fmt.Errorf("failed to open object store: %w", err)
	}

	natsWorker := worker.NewNatsWorker(natsConnection, cfg.NATS.SynthesisSubject, store, engine, log)

	go func() {
		runErr := natsWorker.Run(ctx)
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			log.Error("NATS worker stopped: %v", runErr)
		}
	}()

	return natsConnection.Close, nil
}

func run(args []string) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}

	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := logger.New(os.TempDir(), bootstrapLogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}
	defer bootstrapLog.Close()

	err = godotenv.Load()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		bootstrapLog.Warn("Failed to read .env file: %v", err)
	}

	// 2. Load configuration
	cfg, err := loadConfig(flags, bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	err = cfg.EnsureDirectories()
	if err != nil {
		bootstrapLog.Error("Failed to create directories: %v", err)

		return err
	}

	// 3. Initialize the final logger based on the loaded configuration
	log, err := logger.New(cfg.Paths.BaseLogsDir, serviceLogFile)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := log.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	// 4. Wire the registry, cache, and adapters
	registry, err := voices.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open voice registry: %w", err)
	}

	cache, err := synthcache.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open synthesis cache: %w", err)
	}

	synthesizer, err := tts.NewSynthesizer(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create synthesis backend: %w", err)
	}

	engine, err := tts.NewEngine(cfg, synthesizer, registry, cache, log)
	if err != nil {
		return fmt.Errorf("failed to create synthesis engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 5. Optional NATS worker
	if cfg.NATS.Enabled {
		closeNATS, workerErr := startWorker(ctx, cfg, engine, log)
		if workerErr != nil {
			log.Error("Failed to start NATS worker: %v", workerErr)

			return workerErr
		}
		defer closeNATS()
	}

	srv := server.New(cfg, server.Dependencies{
		Registry:    registry,
		Cache:       cache,
		Engine:      engine,
		Transcriber: newTranscriber(cfg, log),
	}, log)

	log.System("Voice-Service initialized. Serving HTTP on %s (synthesis backend: %s)",
		cfg.Server.Address, cfg.Synthesis.Backend)

	return srv.ListenAndServe(ctx)
}

func main() {
	err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
