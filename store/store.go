// Package store defines the Local Ledger Store: the device-side tables
// for transactions, the change journal and sync metadata.
package store

import (
	"context"
	"time"

	"github.com/xraph/ledgersync/id"
	"github.com/xraph/ledgersync/journal"
	"github.com/xraph/ledgersync/transaction"
)

// Store is the unified storage interface for the sync engine.
// Instead of embedding the sub-interfaces, we explicitly declare all methods
// to keep the full contract visible in one place.
//
// Implementations serialise writes to the same record and perform each
// record write together with its journal append as one atomic unit.
type Store interface {
	// Atomic local mutations: record write + journal append.

	// RecordLocal upserts t and appends a journal entry for op. t.Version
	// must exceed the stored version. RemoteVersion and LocalSeq on t are
	// ignored; the store owns them.
	RecordLocal(ctx context.Context, t *transaction.Transaction, op journal.Operation) (int64, error)
	// MarkDeleted tombstones a record, bumps its version and journals a delete.
	MarkDeleted(ctx context.Context, txnID id.TransactionID, at time.Time) (*transaction.Transaction, int64, error)

	// Transaction methods
	GetTransaction(ctx context.Context, txnID id.TransactionID) (*transaction.Transaction, error)
	ListTransactions(ctx context.Context, opts transaction.ListOpts) ([]*transaction.Transaction, error)
	ListSince(ctx context.Context, afterLocalSeq int64, limit int) ([]*transaction.Transaction, error)
	ApplyRemote(ctx context.Context, t *transaction.Transaction) (bool, error)
	SetSynced(ctx context.Context, remote *transaction.Transaction) error
	// GetBase returns the last remote snapshot of a record, or nil when the
	// record has never been synced.
	GetBase(ctx context.Context, txnID id.TransactionID) (*transaction.Transaction, error)
	PurgeTombstone(ctx context.Context, txnID id.TransactionID) (bool, error)

	// Journal methods
	PendingEntries(ctx context.Context) ([]*journal.Entry, error)
	EntriesFor(ctx context.Context, txnID id.TransactionID) ([]*journal.Entry, error)
	MarkInFlight(ctx context.Context, seq int64) error
	MarkConfirmed(ctx context.Context, seq int64) error
	MarkFailed(ctx context.Context, seq int64, reason string) error
	MarkPending(ctx context.Context, seq int64) error
	Retire(ctx context.Context, txnID id.TransactionID, throughSeq int64) (int, error)
	ResetInFlight(ctx context.Context) (int, error)
	RequeueFailed(ctx context.Context, txnID id.TransactionID) (int, error)
	PendingCount(ctx context.Context) (int, error)
	HasPending(ctx context.Context, txnID id.TransactionID) (bool, error)

	// Sync state
	GetCursor(ctx context.Context) (string, error)
	SetCursor(ctx context.Context, cursor string) error
	// DeviceID returns this installation's stable identity, creating it
	// on first use.
	DeviceID(ctx context.Context) (string, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Compile-time checks that the sub-interfaces stay a subset of Store.
var (
	_ transaction.Store = Store(nil)
	_ journal.Store     = Store(nil)
)
