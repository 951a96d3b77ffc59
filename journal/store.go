package journal

import (
	"context"

	"github.com/xraph/ledgersync/id"
)

// Store is the journal side of the Local Ledger Store. Appends are not
// exposed here; they happen inside the store's atomic record writes.
type Store interface {
	// PendingEntries returns every unretired entry in ascending seq order.
	PendingEntries(ctx context.Context) ([]*Entry, error)
	// EntriesFor returns the unretired entries of one transaction in
	// ascending seq order.
	EntriesFor(ctx context.Context, txnID id.TransactionID) ([]*Entry, error)
	MarkInFlight(ctx context.Context, seq int64) error
	MarkConfirmed(ctx context.Context, seq int64) error
	MarkFailed(ctx context.Context, seq int64, reason string) error
	// MarkPending returns an entry to the queue after a failed attempt.
	MarkPending(ctx context.Context, seq int64) error
	// Retire removes the entries of txnID up to and including throughSeq.
	// The entry at throughSeq must be confirmed; earlier ones are treated
	// as superseded.
	Retire(ctx context.Context, txnID id.TransactionID, throughSeq int64) (int, error)
	// ResetInFlight requeues entries left in flight by a crashed process.
	ResetInFlight(ctx context.Context) (int, error)
	// RequeueFailed moves the parked entries of txnID back to pending.
	RequeueFailed(ctx context.Context, txnID id.TransactionID) (int, error)
	PendingCount(ctx context.Context) (int, error)
	HasPending(ctx context.Context, txnID id.TransactionID) (bool, error)
}
