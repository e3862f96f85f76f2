// Command ethwitness-guest verifies one block input and commits the block
// hash to its journal. It reads nothing but the input and never touches the
// network.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/smallyunet/ethwitness/pkg/builder"
	"github.com/smallyunet/ethwitness/pkg/input"
	"github.com/smallyunet/ethwitness/pkg/logging"
)

func main() {
	var (
		inPath      string
		journalPath string
		chain       string
		logLevel    string
	)
	cmd := &cobra.Command{
		Use:           "ethwitness-guest",
		Short:         "Verify a block input and write its hash to the journal",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logging.Setup(logLevel, "auto"); err != nil {
				return err
			}
			spec, err := builder.ChainSpecByName(chain)
			if err != nil {
				return err
			}
			r := io.Reader(os.Stdin)
			if inPath != "" && inPath != "-" {
				f, err := os.Open(inPath)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			hash, err := verify(r, spec)
			if err != nil {
				return err
			}
			return commit(journalPath, hash)
		},
	}
	cmd.Flags().StringVar(&inPath, "input", "-", "input file, - for stdin")
	cmd.Flags().StringVar(&journalPath, "journal", "-", "journal file, - for stdout")
	cmd.Flags().StringVar(&chain, "chain", "mainnet", "chain name: mainnet, sepolia or holesky")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// verify checks the input read from r and returns the hash of the block it
// rebuilds.
func verify(r io.Reader, spec *builder.ChainSpec) (common.Hash, error) {
	in, err := input.Decode(r)
	if err != nil {
		return common.Hash{}, err
	}
	out, err := builder.VerifyBlock(spec, in, nil)
	if err != nil {
		return common.Hash{}, err
	}
	slog.Info("Block verified", "number", out.Header.Number, "hash", out.Hash)
	return out.Hash, nil
}

// commit writes hash as a single JSON line to path, or to stdout for "-".
func commit(path string, hash common.Hash) error {
	enc, err := json.Marshal(hash)
	if err != nil {
		return err
	}
	enc = append(enc, '\n')
	if path == "" || path == "-" {
		_, err = os.Stdout.Write(enc)
		return err
	}
	return os.WriteFile(path, enc, 0o644)
}
