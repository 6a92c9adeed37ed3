package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/yiays/timewarden/internal/config"
	"github.com/yiays/timewarden/internal/metrics"
	"github.com/yiays/timewarden/internal/server"
	"github.com/yiays/timewarden/internal/storage"
	"github.com/yiays/timewarden/internal/storage/memory"
	"github.com/yiays/timewarden/internal/storage/redis"
	"github.com/yiays/timewarden/internal/systemd"
)

// openStore selects the record store backend.
func openStore(cfg config.ServerConfig) (storage.RecordStore, error) {
	switch cfg.Store {
	case "memory":
		return memory.Open(), nil
	default:
		return redis.Open(cfg.Redis)
	}
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the sync service",
	Long:  `Start the sync service: the HTTP record API backed by Redis, plus the metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting Timewarden sync service")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	store, err := openStore(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close record store")
		}
	}()

	logger.Info().
		Str("store", cfg.Server.Store).
		Str("redis_host", cfg.Server.Redis.Host).
		Int("redis_port", cfg.Server.Redis.Port).
		Msg("Record store initialized")

	syncServer, err := server.NewServer(server.Config{
		ListenAddr:    fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port),
		LockCacheSize: cfg.Server.LockCacheSize,
	}, store, logger)
	if err != nil {
		return fmt.Errorf("failed to create sync server: %w", err)
	}
	if sdListeners.HTTP != nil {
		syncServer.SetListener(sdListeners.HTTP)
	}

	metricsServer := metrics.NewServer(
		fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort), logger)
	if sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}

	if err := syncServer.Start(); err != nil {
		return fmt.Errorf("failed to start sync server: %w", err)
	}
	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	if systemd.IsSystemdService() {
		if err := systemd.NotifyReady(); err != nil {
			logger.Warn().Err(err).Msg("Failed to notify systemd readiness")
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	if systemd.IsSystemdService() {
		if err := systemd.NotifyStopping(); err != nil {
			logger.Warn().Err(err).Msg("Failed to notify systemd stopping")
		}
	}
	if err := syncServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop sync server")
	}
	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop metrics server")
	}
	return nil
}
