package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"dpn/pkg/config"
	"dpn/pkg/node"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const version = "0.1.0"

var (
	configFile string
	nodeName   string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dpn",
		Short: "Digital preservation network node",
		Long: `A node in a federated preservation network. Nodes replicate bags to
their peers, verify fixity, keep a shared registry and recover lost copies.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (JSON or YAML)")
	rootCmd.PersistentFlags().StringVarP(&nodeName, "name", "n", "", "node name (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		nodeCmd(),
		ingestCmd(),
		replicateCmd(),
		recoverCmd(),
		retryCmd(),
		syncCmd(),
		resolveCmd(),
		statusCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		var err error
		cfg, err = config.LoadConfig(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		config.ApplyEnv(cfg)
	} else {
		cfg = config.LoadFromEnv()
	}
	if nodeName != "" {
		cfg.NodeName = nodeName
	}
	return cfg, nil
}

// openNode builds a node that is not consuming. Commands use it to start
// work that a running node on the same store and broker carries on.
func openNode(logger *zap.Logger) (*node.Node, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Broker.Driver == config.BrokerMemory || cfg.Storage.Driver == config.StorageMemory {
		logger.Warn("In-process broker or store configured; work started here is not visible to a running node")
	}
	return node.New(cfg, logger)
}

func nodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "node",
		Short: "Run a node",
		Long:  `Start consuming protocol messages and run the selection, sync and resolve loops until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			n, err := node.New(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := n.Start(ctx); err != nil {
				n.Stop()
				return err
			}
			<-ctx.Done()
			logger.Info("Shutting down")
			n.Stop()
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dpn v%s\n", version)
		},
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}
