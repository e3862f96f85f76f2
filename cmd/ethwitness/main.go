package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/smallyunet/ethwitness/pkg/builder"
	"github.com/smallyunet/ethwitness/pkg/config"
	"github.com/smallyunet/ethwitness/pkg/logging"
)

// flags shared by every subcommand; set values override the config file
type rootFlags struct {
	config      string
	rpcURL      string
	chain       string
	cache       string
	logLevel    string
	metricsAddr string
}

func main() {
	var flags rootFlags
	rootCmd := &cobra.Command{
		Use:           "ethwitness",
		Short:         "Build and verify stateless Ethereum block inputs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.config, "config", "", "config file (default $ETHWITNESS_CONFIG or config.yaml)")
	pf.StringVar(&flags.rpcURL, "rpc-url", "", "Ethereum JSON-RPC endpoint")
	pf.StringVar(&flags.chain, "chain", "", "chain name: mainnet, sepolia or holesky")
	pf.StringVar(&flags.cache, "cache", "", "directory for provider snapshots")
	pf.StringVar(&flags.logLevel, "log-level", "", "trace, debug, info, warn or error")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	rootCmd.AddCommand(buildCommand(&flags), verifyCommand(&flags))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

// load reads the config file and applies the flags on top.
func (f *rootFlags) load() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if f.config != "" {
		cfg, err = config.LoadFile(f.config)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if f.rpcURL != "" {
		cfg.Ethereum.Endpoint = f.rpcURL
	}
	if f.chain != "" {
		cfg.Host.Chain = f.chain
	}
	if f.cache != "" {
		cfg.Host.CacheDir = f.cache
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.metricsAddr != "" {
		cfg.Metrics.ListenAddr = f.metricsAddr
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}

func chainSpec(cfg *config.Config) (*builder.ChainSpec, error) {
	return builder.ChainSpecByName(cfg.Host.Chain)
}
