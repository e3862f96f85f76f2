package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/smallyunet/ethwitness/pkg/builder"
	"github.com/smallyunet/ethwitness/pkg/config"
	"github.com/smallyunet/ethwitness/pkg/ethereum"
	"github.com/smallyunet/ethwitness/pkg/host"
	"github.com/smallyunet/ethwitness/pkg/input"
	"github.com/smallyunet/ethwitness/pkg/metrics"
	"github.com/smallyunet/ethwitness/pkg/provider"
)

// report is printed on stdout after a successful run.
type report struct {
	Number   uint64      `json:"number"`
	Hash     common.Hash `json:"hash"`
	Expected common.Hash `json:"expected,omitempty"`
	Rounds   int         `json:"rounds,omitempty"`
	Empty    bool        `json:"empty,omitempty"`
	Input    string      `json:"input,omitempty"`
}

func buildCommand(flags *rootFlags) *cobra.Command {
	var (
		blockNo uint64
		out     string
		empty   bool
		offline bool
	)
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Assemble the input for a block and verify it locally",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			spec, err := chainSpec(cfg)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if cfg.Metrics.ListenAddr != "" {
				go func() {
					if err := metrics.Serve(ctx, cfg.Metrics.ListenAddr); err != nil {
						slog.Error("Metrics server failed", "err", err)
					}
				}()
			}

			p, err := newProvider(cfg, spec, blockNo, offline)
			if err != nil {
				return err
			}
			rep, in, err := build(ctx, p, cfg, spec, blockNo, empty)
			if err != nil {
				return err
			}
			if err := p.Save(); err != nil {
				return fmt.Errorf("save provider cache: %w", err)
			}
			if out != "" {
				if err := input.Save(out, in); err != nil {
					return fmt.Errorf("write input: %w", err)
				}
				rep.Input = out
			}
			return json.NewEncoder(os.Stdout).Encode(rep)
		},
	}
	cmd.Flags().Uint64Var(&blockNo, "block-no", 0, "block number to build")
	cmd.Flags().StringVar(&out, "out", "", "write the input to this file, gzip-compressed if it ends in .gz")
	cmd.Flags().BoolVar(&empty, "empty", false, "strip the block to an empty block on the same parent")
	cmd.Flags().BoolVar(&offline, "offline", false, "serve everything from the cache")
	cmd.MarkFlagRequired("block-no")
	return cmd
}

// newProvider returns the RPC provider, wrapped in a snapshot cache when a
// cache directory is configured.
func newProvider(cfg *config.Config, spec *builder.ChainSpec, blockNo uint64, offline bool) (provider.Provider, error) {
	var remote provider.Provider
	if !offline {
		client, err := ethereum.NewClient(cfg)
		if err != nil {
			return nil, err
		}
		remote = provider.NewRPCProvider(client)
	}
	if cfg.Host.CacheDir == "" {
		if remote == nil {
			return nil, fmt.Errorf("offline mode needs a cache directory")
		}
		return remote, nil
	}
	cache, err := provider.NewFileProvider(provider.SnapshotPath(cfg.Host.CacheDir, spec.ChainID(), blockNo))
	if err != nil {
		return nil, err
	}
	return provider.NewCachedProvider(cache, remote), nil
}

// build runs the preflight for blockNo. In empty mode the input is reduced
// afterwards and verified again, its hash no longer matching the chain.
func build(ctx context.Context, p provider.Provider, cfg *config.Config, spec *builder.ChainSpec, blockNo uint64, empty bool) (*report, *input.Input, error) {
	h := host.New(p, host.Options{
		Chain:       spec,
		MaxRounds:   cfg.Host.MaxPreflightRounds,
		Concurrency: cfg.Host.Concurrency,
	})
	res, err := h.Preflight(ctx, blockNo)
	if err != nil {
		return nil, nil, err
	}
	rep := &report{Number: blockNo, Hash: res.Output.Hash, Expected: res.Expected, Rounds: res.Rounds}
	if !empty {
		return rep, res.Input, nil
	}

	// the pipeline consumes its input, so verify a second copy
	out, err := builder.VerifyBlock(spec, res.Input.Empty(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("verify empty block: %w", err)
	}
	return &report{Number: blockNo, Hash: out.Hash, Empty: true}, res.Input.Empty(), nil
}
