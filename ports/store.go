package ports

import (
	"context"

	"github.com/layer-3/certsettle/core"
)

// PendingStore is the durable log of requested credentials
type PendingStore interface {
	// Enqueue inserts a new unsettled record and returns its id
	Enqueue(ctx context.Context, credential *core.PendingCredential) (string, error)

	// ListUnsettled returns a wallet's unsettled records in creation order
	ListUnsettled(ctx context.Context, wallet string) ([]core.PendingCredential, error)

	// MarkSettled flips the given records to settled; repeated calls are no-ops
	MarkSettled(ctx context.Context, ids []string) error

	// RecordCommitment attaches the committing transaction to a record, at most once
	RecordCommitment(ctx context.Context, id, transactionRef string, blockHeight uint64) error

	// ConfirmCommitment sets the block height of the attached transaction when its reference matches
	ConfirmCommitment(ctx context.Context, id, transactionRef string, blockHeight uint64) error

	// ReleaseCommitment detaches a transaction that never landed from an unsettled record
	ReleaseCommitment(ctx context.Context, id, transactionRef string) error

	// Get returns a record by id
	Get(ctx context.Context, id string) (core.PendingCredential, error)

	// ListByWallet returns every record of a wallet in creation order
	ListByWallet(ctx context.Context, wallet string) ([]core.PendingCredential, error)

	// ListByIssuer returns every record requested by an issuer in creation order
	ListByIssuer(ctx context.Context, issuerID string) ([]core.PendingCredential, error)
}
