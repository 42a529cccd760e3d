package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"isp-network-api/api"
	"isp-network-api/internal/cascade"
	"isp-network-api/internal/config"
	"isp-network-api/internal/device"
	"isp-network-api/internal/directory"
	"isp-network-api/internal/handlers"
	"isp-network-api/internal/metrics"
	"isp-network-api/internal/reconcile"
	"isp-network-api/internal/services"
	"isp-network-api/internal/traffic"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "isp-network-api",
	Short: "ISP network resource allocation and topology reconciliation",
	Long: `isp-network-api keeps the cell, OLT zone and NAP topology of an ISP,
allocates addresses and ports to new connections and reconciles them
against what the routers actually report.`,
	Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

var configFile string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"Configuration file path (default: config.yaml in . or ./config)")
	rootCmd.AddCommand(serveCmd, probeCmd, poolCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}

	logger, err := initZapLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting ISP Network API",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("directory", cfg.Directory.Driver))

	m := metrics.New()
	if err := m.Register(nil); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	dir, err := directory.Open(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Error("Failed to open directory", zap.Error(err))
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := dir.Close(ctx); err != nil {
			logger.Error("Failed to close directory", zap.Error(err))
		}
	}()

	dialer := device.NewNetDialer(cfg.Device.Timeout, cfg.Device.SNMPRetries)
	cache := device.NewDiscoveryCache(cfg.Discovery.CacheSize, cfg.Discovery.CacheTTL)
	monitors := traffic.NewManager(dialer, traffic.Config{
		PollInterval:  cfg.Traffic.PollInterval,
		IdleTimeout:   cfg.Traffic.IdleTimeout,
		DeviceTimeout: cfg.Device.Timeout,
		MaxMonitors:   cfg.Traffic.MaxMonitors,
	}, logger, m)

	network := services.NewNetworkService(
		dir,
		cascade.NewAllocator(dir, logger, m),
		reconcile.NewReconciler(dir, dialer, cache, logger, m, cfg.Device.Timeout),
		monitors,
		dialer,
		cfg.Device.Timeout,
		logger,
		m,
	)
	topology := services.NewTopologyService(dir, logger)

	router := api.SetupRoutes(handlers.NewHandler(topology, network, logger), m, logger)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		logger.Error("HTTP server failed", zap.Error(err))
		network.Shutdown()
		return err
	}

	logger.Info("Shutting down server...")
	network.Shutdown()

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
	return nil
}

// initZapLogger builds the production logger with level and encoding from config
func initZapLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.Encoding = "json"
	if cfg.Format == "console" {
		zcfg.Encoding = "console"
	}

	zcfg.EncoderConfig.TimeKey = "timestamp"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.EncoderConfig.CallerKey = "caller"
	zcfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	zcfg.EncoderConfig.LevelKey = "level"
	zcfg.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	return zcfg.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(zap.String("service", "isp-network-api")))
}
