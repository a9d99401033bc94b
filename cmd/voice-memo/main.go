package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	voicememo "github.com/snarg/voice-memo"
	"github.com/snarg/voice-memo/internal/api"
	"github.com/snarg/voice-memo/internal/config"
	"github.com/snarg/voice-memo/internal/ledger"
	"github.com/snarg/voice-memo/internal/memo"
	"github.com/snarg/voice-memo/internal/metrics"
	"github.com/snarg/voice-memo/internal/recordings"
	"github.com/snarg/voice-memo/internal/transcribe"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file (default .env)")
	flag.StringVar(&overrides.Listen, "listen", "", "listen address host:port (overrides HOST/PORT)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.UploadFolder, "upload-folder", "", "recordings directory (overrides UPLOAD_FOLDER)")
	flag.Parse()

	if *showVersion {
		fmt.Println("voice-memo", version)
		return
	}

	// Config
	early := zerolog.New(os.Stderr).With().Timestamp().Logger()
	cfg, err := config.Load(overrides)
	if err != nil {
		early.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		early.Fatal().Err(err).Msg("invalid config")
	}

	// Logger
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		early.Fatal().Err(err).Msg("invalid config")
	}
	var log zerolog.Logger
	if cfg.Debug {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen})
	} else {
		log = zerolog.New(os.Stdout)
	}
	log = log.With().Timestamp().Logger().Level(level)
	hostname, _ := os.Hostname()
	log.Info().
		Str("version", version).
		Str("hostname", hostname).
		Str("upload_folder", cfg.UploadFolder).
		Float64("cost_per_minute", cfg.CostPerMinute).
		Msg("voice-memo starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Recording storage
	local, err := recordings.NewLocalStore(cfg.UploadFolder)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create upload folder")
	}
	var store recordings.Store = local
	if cfg.S3.Enabled() {
		s3Log := log.With().Str("component", "s3").Logger()
		mirror, err := recordings.NewS3Mirror(ctx, cfg.S3, cfg.AWSRegion, s3Log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to configure s3 mirror")
		}
		if err := mirror.HeadBucket(ctx); err != nil {
			log.Fatal().Err(err).Str("bucket", cfg.S3.Bucket).Msg("s3 bucket not reachable")
		}
		store = recordings.NewMirroredStore(local, mirror, log)
		log.Info().Str("bucket", cfg.S3.Bucket).Str("prefix", cfg.S3.Prefix).Msg("mirroring recordings to s3")
	}

	// Ledger
	var ledgerStore ledger.Store
	switch strings.ToLower(cfg.LedgerBackend) {
	case "dynamodb":
		dynLog := log.With().Str("component", "dynamodb").Logger()
		ledgerStore, err = ledger.NewDynamoStore(ctx, cfg.AWSRegion, cfg.DynamoDBTable, dynLog)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to configure dynamodb ledger")
		}
		log.Info().Str("table", cfg.DynamoDBTable).Msg("using dynamodb ledger")
	default:
		fileStore := ledger.NewFileStore(cfg.LedgerPath())
		ledgerStore = fileStore
		log.Info().Str("path", fileStore.Path()).Msg("using file ledger")
	}
	book := ledger.NewBook(ledgerStore)
	if _, err := book.Snapshot(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to read ledger")
	}

	// Transcription
	var provider transcribe.Provider
	providerName := ""
	if cfg.OpenAIAPIKey != "" {
		provider = transcribe.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.TranscribeModel, cfg.TranscribeTimeout)
		providerName = provider.Name()
		log.Info().Str("provider", provider.Name()).Str("model", provider.Model()).Msg("transcription configured")
	} else {
		provider = transcribe.Unconfigured{}
		log.Warn().Msg("OPENAI_API_KEY not set, uploads will fail until it is configured")
	}

	svc := memo.NewService(memo.Options{
		Store:         store,
		Book:          book,
		Provider:      provider,
		CostPerMinute: cfg.CostPerMinute,
		Log:           log,
	})
	prometheus.MustRegister(metrics.NewCollector(svc))

	// Ledger/file consistency
	reconciler := memo.NewReconciler(store, book, cfg.ReconcileInterval, log)
	if _, err := reconciler.Reconcile(ctx); err != nil {
		log.Warn().Err(err).Msg("startup reconcile failed")
	}
	reconciler.Start()
	defer reconciler.Stop()

	if cfg.WatchRecordings {
		watcher := memo.NewWatcher(store, book, log)
		if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("recording watcher unavailable")
		} else {
			defer watcher.Stop()
		}
	}

	// HTTP Server
	webFS, err := fs.Sub(voicememo.WebFiles, "web")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open embedded web files")
	}
	httpLog := log.With().Str("component", "http").Logger()
	srv, err := api.NewServer(api.ServerOptions{
		Config:    cfg,
		Service:   svc,
		WebFS:     webFS,
		Provider:  providerName,
		Version:   version,
		StartTime: startTime,
		Log:       httpLog,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create http server")
	}

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("voice-memo stopped")
}
