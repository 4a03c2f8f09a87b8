package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vigil/vigil-server/internal/api"
	"github.com/vigil/vigil-server/internal/auth"
	"github.com/vigil/vigil-server/internal/config"
	"github.com/vigil/vigil-server/internal/detect"
	"github.com/vigil/vigil-server/internal/logging"
	"github.com/vigil/vigil-server/internal/pipeline"
	"github.com/vigil/vigil-server/internal/storage"
	"github.com/vigil/vigil-server/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.UploadDir(), 0755); err != nil {
		return fmt.Errorf("failed to create upload dir: %w", err)
	}
	if err := os.MkdirAll(cfg.ScratchDir(), 0755); err != nil {
		return fmt.Errorf("failed to create scratch dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("starting vigil server",
		"version", config.Version, "commit", config.GitCommit, "data_dir", cfg.DataDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metadata, err := store.New(ctx, cfg.DatabaseURL, logging.WithComponent(logger, "store"))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer metadata.Close()

	objects, err := storage.New(ctx, storage.Config{
		Endpoint:    cfg.MinioEndpoint,
		AccessKey:   cfg.MinioAccessKey,
		SecretKey:   cfg.MinioSecretKey,
		UseSSL:      cfg.MinioUseSSL,
		VideoBucket: cfg.MinioVideoBucket,
		LogBucket:   cfg.MinioLogBucket,
	}, logging.WithComponent(logger, "storage"))
	if err != nil {
		return fmt.Errorf("failed to initialize object storage: %w", err)
	}

	detector, err := detect.NewSubprocessDetector(detect.Config{
		PythonPath: cfg.DetectorPython,
		ModuleName: cfg.DetectorModule,
		Timeout:    cfg.DetectorTimeout,
		Logger:     logging.WithComponent(logger, "detect"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize detector: %w", err)
	}

	prober, err := pipeline.NewFFprobeProber(cfg.ProbeTimeout, logging.WithComponent(logger, "probe"))
	if err != nil {
		return fmt.Errorf("failed to initialize prober: %w", err)
	}
	converter, err := pipeline.NewFFmpegConverter(cfg.ConvertTimeout, logging.WithComponent(logger, "convert"))
	if err != nil {
		return fmt.Errorf("failed to initialize converter: %w", err)
	}

	pipelineLogger := logging.WithComponent(logger, "pipeline")
	processor := pipeline.NewProcessor(pipeline.ProcessorConfig{
		Detector:    detector,
		Prober:      prober,
		Resolver:    pipeline.NewResolver(converter, pipelineLogger),
		Store:       objects,
		ScratchBase: cfg.ScratchDir(),
		BatchSize:   cfg.BatchSize,
		FrameStride: cfg.FrameStride,
		Logger:      pipelineLogger,
	})

	tokens := auth.NewManager(cfg.JWTSecret, auth.DefaultTokenTTL)

	apiServer := api.NewServer(api.ServerConfig{
		Port:           cfg.Port,
		UploadDir:      cfg.UploadDir(),
		MaxUploadBytes: config.MaxUploadBytes,
		Confidence:     cfg.Confidence,
		Tokens:         tokens,
		Store:          metadata,
		Storage:        objects,
		Processor:      processor,
		Logger:         logging.WithComponent(logger, "api"),
		StartTime:      startTime,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}
