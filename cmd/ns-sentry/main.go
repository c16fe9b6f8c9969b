package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/logging"
)

const defaultConfigPath = "configs/config.yaml"

var (
	configPath string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ns-sentry",
		Short: "Network intrusion detection on chunked packet captures",
		Long: `ns-sentry captures live traffic, cuts it into fixed-size pcap chunks,
extracts flow features from every chunk with an external tool and scores the
flows with a trained anomaly detector. Results are stored as batches and
alerts and pushed to live subscribers.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level from the config file")

	rootCmd.AddCommand(newServeCmd(), newAnalyzeCmd(), newEventsCmd(), newBatchesCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfiguration() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Configuration loaded", zap.String("path", configPath))
	return cfg, logger, nil
}
