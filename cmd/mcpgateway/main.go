package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mcpgateway-go/internal/config"
	"mcpgateway-go/internal/gwerr"
	"mcpgateway-go/internal/logs"
	"mcpgateway-go/internal/server"
)

var errLoggerSetup = errors.New("failed to setup logger")

var (
	configFile string
	dataDir    string
	listen     string
	logLevel   string
	logToFile  bool
	logDir     string

	version = "v0.1.0" // This will be injected by -ldflags during build
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "mcpgateway",
		Short:         "MCP Gateway - authenticating reverse-proxy control plane and registry for Model Context Protocol servers",
		Version:       version,
		RunE:          runGateway,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory path (default: ~/.mcpgateway)")
	rootCmd.PersistentFlags().StringVarP(&listen, "listen", "l", "", "Listen address")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-to-file", false, "Enable logging to file in standard OS location")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Custom log directory path (overrides standard OS location)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func runGateway(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.Logging == nil {
		cfg.Logging = logs.DefaultLogConfig()
	}
	cfg.Logging.Level = logLevel
	if logToFile {
		cfg.Logging.EnableFile = true
	}
	if logDir != "" {
		cfg.Logging.LogDir = logDir
	}

	logger, err := logs.SetupLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("%w: %v", errLoggerSetup, err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("starting mcpgateway",
		zap.String("version", version),
		zap.String("listen", cfg.Listen),
		zap.String("data_dir", cfg.DataDir))

	gw, err := server.New(cfg, logger, version)
	if err != nil {
		logger.Error("gateway initialization failed", zap.Error(err))
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gw.Run(ctx); err != nil {
		logger.Error("gateway terminated", zap.Error(err))
		return err
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if listen != "" {
		cfg.Listen = listen
	}
	return cfg, nil
}

// exitCodeFor maps the failure onto the documented exit codes.
func exitCodeFor(err error) int {
	var cfgErr *config.Error
	switch {
	case errors.As(err, &cfgErr), errors.Is(err, config.ErrLoad):
		return ExitCodeConfigError
	case errors.Is(err, gwerr.ErrCorruption):
		return ExitCodeStateCorruption
	case errors.Is(err, errLoggerSetup):
		return ExitCodeGeneralError
	}
	return ExitCodeFatal
}
