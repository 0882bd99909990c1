// Package bootstrap provides dependency initialization for the commentary API.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mkvid/commentary-api/internal/config"
	"github.com/mkvid/commentary-api/internal/generator"
	"github.com/mkvid/commentary-api/internal/ledger"
	"github.com/mkvid/commentary-api/internal/orchestrator"
	"github.com/mkvid/commentary-api/internal/pipeline"
	"github.com/mkvid/commentary-api/internal/quota"
	"github.com/mkvid/commentary-api/internal/storage"
)

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	Authority    *quota.Authority
	Orchestrator *orchestrator.Orchestrator
}

// NewDependencies creates and initializes all dependencies for the application.
// The admin user from the configuration is seeded into the ledger so the
// service is administrable from first boot.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	// Initialize the access-code ledger
	ledgerStore, err := ledger.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	authority := quota.NewAuthority(ledgerStore, logger)
	if err := authority.Seed(ctx, cfg.AdminUsername, cfg.AdminCode); err != nil {
		return nil, fmt.Errorf("seed admin: %w", err)
	}

	// Initialize storage
	store, err := initStorage(cfg, logger)
	if err != nil {
		return nil, err
	}

	// Sweep scratch directories orphaned by a previous process
	if removed := store.SweepStale(orchestrator.DefaultSweepAge); removed > 0 {
		logger.Info("swept orphaned work directories", slog.Int("removed", removed))
	}

	// Initialize the commentary generator client
	var genOpts []generator.Option
	if cfg.GeneratorAPIKey != "" {
		genOpts = append(genOpts, generator.WithAPIKey(cfg.GeneratorAPIKey))
	}
	gen, err := generator.NewHTTPGenerator(cfg.GeneratorURL, genOpts...)
	if err != nil {
		return nil, fmt.Errorf("create generator client: %w", err)
	}

	// Assemble the pipeline stages in execution order
	stages := []pipeline.Stage{
		pipeline.NewFetchStage(),
		pipeline.NewCommentaryStage(gen),
		pipeline.NewDeliverStage(store, cfg.OutputDir),
	}

	orch := orchestrator.New(
		authority,
		store,
		stages,
		logger,
		orchestrator.WithStaleAfter(time.Duration(cfg.StaleJobSec)*time.Second),
	)

	return &Dependencies{
		Authority:    authority,
		Orchestrator: orch,
	}, nil
}

// initStorage creates the appropriate storage backend based on configuration.
func initStorage(cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	if cfg.S3Enabled() {
		s3Cfg := storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		}
		s3Store, err := storage.NewS3Storage(cfg.TempDir, s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, nil
	}

	localStore, err := storage.NewLocalStorage(cfg.TempDir)
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local storage configured",
		slog.String("temp_dir", cfg.TempDir),
	)
	return localStore, nil
}
