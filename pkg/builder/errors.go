package builder

import "errors"

// Verification failures.
var (
	ErrInvalidStateTrie   = errors.New("invalid state trie")
	ErrInvalidStorageTrie = errors.New("invalid storage trie")
	ErrInvalidChain       = errors.New("invalid ancestor chain")
	ErrMissingCode        = errors.New("missing contract code")
)

// Header preparation failures.
var (
	ErrUnsupportedFork  = errors.New("unsupported fork")
	ErrInvalidGasLimit  = errors.New("invalid gas limit")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	ErrExtraDataTooLong = errors.New("extra data too long")
)

// Transaction precondition failures.
var (
	ErrInvalidChainID    = errors.New("invalid chain id")
	ErrNonceMismatch     = errors.New("nonce mismatch")
	ErrInsufficientFunds = errors.New("insufficient funds for gas * price + value")
	ErrGasLimitExceeded  = errors.New("transaction gas exceeds block gas remaining")
	ErrFeeCapTooLow      = errors.New("max fee per gas less than block base fee")
	ErrTipAboveFeeCap    = errors.New("max priority fee per gas higher than max fee per gas")
)

// ErrStageOrder is returned when a pipeline stage runs out of order.
var ErrStageOrder = errors.New("pipeline stage out of order")
