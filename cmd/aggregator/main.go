// Command aggregator is the federated-learning aggregation server: it
// ingests on-device interaction batches and uploaded classifier artifacts,
// periodically retrains and fuses an ensemble model, and serves the
// resulting model versions back to devices.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aiforge/aggregator/internal/api"
	"github.com/aiforge/aggregator/internal/api/handlers"
	"github.com/aiforge/aggregator/internal/blobstore"
	"github.com/aiforge/aggregator/internal/blobstore/dropbox"
	"github.com/aiforge/aggregator/internal/blobstore/local"
	"github.com/aiforge/aggregator/internal/config"
	"github.com/aiforge/aggregator/internal/orchestrator"
	"github.com/aiforge/aggregator/internal/registry"
	"github.com/aiforge/aggregator/internal/scheduler"
	"github.com/aiforge/aggregator/internal/store/sqlitestore"
	"github.com/aiforge/aggregator/internal/telemetry"
	"github.com/aiforge/aggregator/internal/tokenmanager"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("🧠 aggregator starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx := context.Background()

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("⚠️ telemetry shutdown error")
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("failed to create data dir")
	}
	dbPath := filepath.Join(cfg.DataDir, "aggregator.db")

	st, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate store")
	}

	blobs, err := buildBlobStore(cfg, dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize blob store")
	}
	st.SetOnCommit(func() { blobs.ScheduleDBSnapshotSync() })

	reg := registry.New(st, blobs, cfg)
	orch := orchestrator.New(st, blobs, reg, cfg)
	sched := scheduler.New(orch, reg)
	h := handlers.New(st, blobs, reg, orch, cfg)
	router := api.NewRouter(cfg, h, reg)

	go orch.Run(ctx)
	go sched.Run(ctx)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("🛑 shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("⚠️ http shutdown error")
		}
	}()

	log.Info().
		Int("port", cfg.Port).
		Str("storage_mode", string(cfg.StorageMode)).
		Msg("🚀 aggregator ready")

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server failed")
	}
}

// buildBlobStore selects the Blob Store backend per cfg.StorageMode,
// constructing the token manager only when Dropbox is in play.
func buildBlobStore(cfg *config.Config, dbPath string) (blobstore.BlobStore, error) {
	switch cfg.StorageMode {
	case config.StorageBlob:
		tokens, err := tokenmanager.New(tokenmanager.Config{
			AppKey:        cfg.Dropbox.AppKey,
			AppSecret:     cfg.Dropbox.AppSecret,
			RefreshToken:  cfg.Dropbox.RefreshToken,
			AutoRefresh:   cfg.Dropbox.AutoRefresh,
			TokenFilePath: filepath.Join(cfg.DataDir, "token.json"),
		})
		if err != nil {
			return nil, fmt.Errorf("initialize token manager: %w", err)
		}
		return dropbox.New(dropbox.Config{
			RootPrefix:   "/aggregator",
			MaxRetries:   cfg.Dropbox.MaxRetries,
			RetryDelayMS: cfg.Dropbox.RetryDelayMS,
			LocalDBPath:  dbPath,
		}, tokens), nil
	default:
		root := filepath.Join(cfg.DataDir, "blobs")
		return local.New(afero.NewOsFs(), root, dbPath)
	}
}
