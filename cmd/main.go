package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"device-hub/internal/api"
	"device-hub/internal/config"
	"device-hub/internal/hub"
	"device-hub/internal/logging"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const version = "1.0.0"

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "device-hub",
	Short: "Device Hub - Resilient gateway for facility hardware",
	Long: `A local integration hub that manages heterogeneous facility devices
(access panels, alarm panels, cameras, gate relays) behind a uniform driver
interface. Every device interaction runs through per-device circuit breakers
and retry with backoff, so one misbehaving device never takes down the rest.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHub()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runHub() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Flag overrides config file.
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger := logging.Initialize(cfg.LogLevel)
	if cfg.LogFile != "" {
		if err := logging.SetupFileLogging(logger, cfg.LogFile); err != nil {
			logger.WithError(err).Warn("Failed to set up file logging, continuing with stdout only")
		}
	}

	logger.WithField("version", version).Info("Device hub starting up")

	store := buildStore(cfg, logger)
	defer store.Close()

	managerCfg := hub.ManagerConfig{
		MonitorInterval: time.Duration(cfg.MonitorInterval) * time.Second,
		Breaker:         cfg.BreakerSettings(),
		Retry:           cfg.RetrySettings(),
	}
	manager := hub.NewManager(managerCfg, store, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize device manager: %w", err)
	}

	registerConfiguredDevices(ctx, cfg, manager, logger)

	errChan := make(chan error, 1)
	var server *api.Server
	if cfg.API.Enabled {
		server = api.NewServer(cfg.API, manager, logger, version)
		manager.OnStatusChange(server.WSManager().BroadcastDeviceStatus)
		go func() {
			if err := server.Start(ctx); err != nil {
				errChan <- err
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	case err := <-errChan:
		logger.WithError(err).Error("API server failed")
	}

	cancel()

	if err := manager.Shutdown(); err != nil {
		logger.WithError(err).Error("Error during manager shutdown")
	}

	logger.Info("Device hub stopped")
	return nil
}

// buildStore picks Redis when enabled and reachable, otherwise falls back
// to the in-memory store so the hub still runs without persistence.
func buildStore(cfg *config.Config, logger *logrus.Logger) hub.DeviceStore {
	if !cfg.Redis.Enabled {
		logger.Info("Redis disabled, using in-memory device store")
		return hub.NewMemoryStore()
	}

	store, err := hub.NewRedisStore(hub.RedisStoreConfig{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		PoolSize:  cfg.Redis.PoolSize,
		KeyPrefix: cfg.Redis.KeyPrefix,
	})
	if err != nil {
		logger.WithError(err).Warn("Redis unavailable, falling back to in-memory device store")
		return hub.NewMemoryStore()
	}

	logger.WithField("addr", cfg.Redis.Addr).Info("Connected to Redis device store")
	return store
}

func registerConfiguredDevices(ctx context.Context, cfg *config.Config, manager *hub.Manager, logger *logrus.Logger) {
	for _, dc := range cfg.Devices {
		device := dc.ToDevice()
		connected, err := manager.RegisterDevice(ctx, device)
		if err != nil {
			logger.WithError(err).WithField("device_id", device.ID).Error("Failed to register configured device")
			continue
		}
		logger.WithFields(logrus.Fields{
			"device_id": device.ID,
			"protocol":  device.Protocol,
			"connected": connected,
		}).Info("Configured device registered")
	}
}
