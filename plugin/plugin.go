// Package plugin provides an extensible plugin system for the sync engine.
// Plugins hook into record, push, pull and cycle events to add metrics,
// auditing or custom side effects without touching the engine.
package plugin

import (
	"context"
	"time"

	"github.com/xraph/ledgersync/journal"
	"github.com/xraph/ledgersync/transaction"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// SyncReport summarises one sync cycle.
type SyncReport struct {
	CycleID  string
	Trigger  string
	Pushed   int
	Pulled   int
	Resolved int
	Failed   int
	Elapsed  time.Duration
	Err      error
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Local mutation hooks
// ──────────────────────────────────────────────────

// OnTransactionRecorded is called after a local create or update is
// durably written and journaled.
type OnTransactionRecorded interface {
	Plugin
	OnTransactionRecorded(ctx context.Context, t *transaction.Transaction, op journal.Operation) error
}

// OnTransactionDeleted is called after a local tombstone is written.
type OnTransactionDeleted interface {
	Plugin
	OnTransactionDeleted(ctx context.Context, t *transaction.Transaction) error
}

// ──────────────────────────────────────────────────
// Sync hooks
// ──────────────────────────────────────────────────

// OnPushAccepted is called when the remote store accepts a record.
type OnPushAccepted interface {
	Plugin
	OnPushAccepted(ctx context.Context, t *transaction.Transaction) error
}

// OnConflictResolved is called after a conflicting pair was merged.
type OnConflictResolved interface {
	Plugin
	OnConflictResolved(ctx context.Context, local, remote, merged *transaction.Transaction) error
}

// OnMergeFailed is called when a conflict could not be merged and the
// record's journal entries were parked.
type OnMergeFailed interface {
	Plugin
	OnMergeFailed(ctx context.Context, txnID string, err error) error
}

// OnRemoteApplied is called when a pulled change overwrote the local copy.
type OnRemoteApplied interface {
	Plugin
	OnRemoteApplied(ctx context.Context, t *transaction.Transaction) error
}

// OnTransportFault is called for every failed remote call before the
// engine backs off.
type OnTransportFault interface {
	Plugin
	OnTransportFault(ctx context.Context, op string, err error) error
}

// OnSyncCompleted is called at the end of every sync cycle.
type OnSyncCompleted interface {
	Plugin
	OnSyncCompleted(ctx context.Context, report SyncReport) error
}

// OnStatusChanged is called when the published sync state changes.
type OnStatusChanged interface {
	Plugin
	OnStatusChanged(ctx context.Context, from, to string) error
}

// OnTombstonePurged is called when a synced tombstone is physically removed.
type OnTombstonePurged interface {
	Plugin
	OnTombstonePurged(ctx context.Context, txnID string) error
}
