package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/smallyunet/ethwitness/pkg/builder"
	"github.com/smallyunet/ethwitness/pkg/input"
	"github.com/smallyunet/ethwitness/pkg/metrics"
)

func verifyCommand(flags *rootFlags) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run the verification pipeline on a saved input",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			spec, err := chainSpec(cfg)
			if err != nil {
				return err
			}
			rep, err := verify(spec, path)
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(rep)
		},
	}
	cmd.Flags().StringVar(&path, "input", "", "input file written by build --out")
	cmd.MarkFlagRequired("input")
	return cmd
}

func verify(spec *builder.ChainSpec, path string) (*report, error) {
	in, err := input.Load(path)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	number := in.ParentHeader.Number.Uint64() + 1

	done := metrics.ObserveStage("verify")
	out, err := builder.VerifyBlock(spec, in, nil)
	done()
	if err != nil {
		return nil, fmt.Errorf("verify block %d: %w", number, err)
	}
	return &report{Number: number, Hash: out.Hash}, nil
}
