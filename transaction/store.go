package transaction

import (
	"context"

	"github.com/xraph/ledgersync/id"
)

// Store is the read and sync-bookkeeping side of the Local Ledger Store.
// Local mutations go through the atomic store methods that also append to
// the change journal.
type Store interface {
	GetTransaction(ctx context.Context, txnID id.TransactionID) (*Transaction, error)
	ListTransactions(ctx context.Context, opts ListOpts) ([]*Transaction, error)
	ListSince(ctx context.Context, afterLocalSeq int64, limit int) ([]*Transaction, error)

	// ApplyRemote stores a remote record unless the local copy already
	// has an equal or higher version. It reports whether anything changed.
	ApplyRemote(ctx context.Context, t *Transaction) (bool, error)
	SetSynced(ctx context.Context, remote *Transaction) error
	GetBase(ctx context.Context, txnID id.TransactionID) (*Transaction, error)
	PurgeTombstone(ctx context.Context, txnID id.TransactionID) (bool, error)
}
