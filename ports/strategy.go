package ports

import (
	"context"

	"github.com/layer-3/certsettle/core"
)

// Strategy is one on-chain commitment channel
type Strategy interface {
	// Name identifies the strategy in outcomes and logs
	Name() core.Method

	// Enabled reports whether the strategy is configured; disabled strategies are skipped
	Enabled() bool

	// AttemptMint commits the instruction; failures are carried in the outcome
	AttemptMint(ctx context.Context, input core.MintInput) core.MintOutcome
}

// Submitter sends backend-paid transactions to the ledger and waits for confirmation
type Submitter interface {
	SubmitMint(ctx context.Context, input core.MintInput) (core.Receipt, error)
	SubmitBatchMint(ctx context.Context, inputs []core.MintInput) (core.Receipt, error)

	// Confirm waits for an already broadcast transaction. Reverted or dropped transactions
	// fail with core.ErrTransactionReverted or core.ErrTransactionDropped.
	Confirm(ctx context.Context, txHash string) (core.Receipt, error)
}

// Session is the authenticated channel to the off-chain settlement network
type Session interface {
	Connect(ctx context.Context) error
	SendSignedTx(ctx context.Context, to string, data []byte) error
	State() core.SessionState
}

// MintEncoder encodes mint instructions as contract calldata
type MintEncoder interface {
	ContractAddress() string
	PackMint(input core.MintInput) ([]byte, error)
}
