// Package builder rebuilds a block from a verified state fragment. A
// BlockBuilder moves through four stages in a fixed order, each performed by
// a pluggable strategy:
//
//	initialize database -> prepare header -> execute transactions -> build
//
// Every stage either succeeds or aborts the whole run.
package builder

import (
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/smallyunet/ethwitness/pkg/input"
)

// DBInitStrategy verifies the input and builds the database.
type DBInitStrategy[D any] interface {
	InitializeDatabase(b *BlockBuilder[D]) error
}

// HeaderPrepStrategy derives the header fields known before execution.
type HeaderPrepStrategy[D any] interface {
	PrepareHeader(b *BlockBuilder[D]) error
}

// TxExecStrategy executes the transactions against the database.
type TxExecStrategy[D any] interface {
	ExecuteTransactions(b *BlockBuilder[D]) error
}

// BlockBuildStrategy finalizes the header.
type BlockBuildStrategy[D any] interface {
	Build(b *BlockBuilder[D]) (*Output, error)
}

// Output is the finished header and its hash.
type Output struct {
	Header *types.Header
	Hash   common.Hash
}

type stage uint8

const (
	stageInput stage = iota
	stageDatabase
	stageHeader
	stageExecuted
	stageBuilt
)

func (s stage) String() string {
	switch s {
	case stageInput:
		return "input received"
	case stageDatabase:
		return "database initialized"
	case stageHeader:
		return "header prepared"
	case stageExecuted:
		return "transactions executed"
	case stageBuilt:
		return "block built"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

// BlockBuilder carries one block through the pipeline. Strategies take
// fields out of Input once consumed.
type BlockBuilder[D any] struct {
	Chain    *ChainSpec
	Input    *input.Input
	Header   *types.Header
	DB       D
	Receipts types.Receipts

	stage  stage
	logger *slog.Logger
}

// New starts a pipeline for in.
func New[D any](chain *ChainSpec, in *input.Input) *BlockBuilder[D] {
	return &BlockBuilder[D]{
		Chain:  chain,
		Input:  in,
		logger: slog.Default().With("component", "builder"),
	}
}

func (b *BlockBuilder[D]) advance(from, to stage) error {
	if b.stage != from {
		return fmt.Errorf("%w: cannot move to %q from %q", ErrStageOrder, to, b.stage)
	}
	b.stage = to
	return nil
}

// InitializeDatabase runs the first stage.
func (b *BlockBuilder[D]) InitializeDatabase(s DBInitStrategy[D]) (*BlockBuilder[D], error) {
	if err := b.advance(stageInput, stageDatabase); err != nil {
		return nil, err
	}
	if err := s.InitializeDatabase(b); err != nil {
		return nil, err
	}
	b.logger.Debug("Database initialized", "parent", b.Input.ParentHeader.Number)
	return b, nil
}

// PrepareHeader runs the second stage.
func (b *BlockBuilder[D]) PrepareHeader(s HeaderPrepStrategy[D]) (*BlockBuilder[D], error) {
	if err := b.advance(stageDatabase, stageHeader); err != nil {
		return nil, err
	}
	if err := s.PrepareHeader(b); err != nil {
		return nil, err
	}
	b.logger.Debug("Header prepared", "number", b.Header.Number, "baseFee", b.Header.BaseFee)
	return b, nil
}

// ExecuteTransactions runs the third stage.
func (b *BlockBuilder[D]) ExecuteTransactions(s TxExecStrategy[D]) (*BlockBuilder[D], error) {
	if err := b.advance(stageHeader, stageExecuted); err != nil {
		return nil, err
	}
	if err := s.ExecuteTransactions(b); err != nil {
		return nil, err
	}
	b.logger.Debug("Transactions executed", "gasUsed", b.Header.GasUsed)
	return b, nil
}

// Build runs the last stage.
func (b *BlockBuilder[D]) Build(s BlockBuildStrategy[D]) (*Output, error) {
	if err := b.advance(stageExecuted, stageBuilt); err != nil {
		return nil, err
	}
	out, err := s.Build(b)
	if err != nil {
		return nil, err
	}
	b.logger.Debug("Block built", "number", out.Header.Number, "hash", out.Hash)
	return out, nil
}
