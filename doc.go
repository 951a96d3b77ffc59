// Package ledgersync keeps an on-device ledger of financial transactions
// and a remote copy of the same ledger consistent under intermittent
// connectivity, concurrent edits from several devices and partial failures.
//
// ledgersync is a library, not a service. Local writes are applied to an
// embedded store immediately and journaled in the same storage transaction;
// a background reconciler pushes them to the remote ledger, pulls remote
// changes and merges conflicts.
//
// # Quick Start
//
//	local, err := sqlite.Open("ledger.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client, err := mongo.Open(ctx, uri, "ledger", mongo.WithUserID(userID))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	engine := ledgersync.New(local, client)
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
//	txn, err := engine.RecordTransaction(ctx, &ledgersync.Transaction{
//	    UserID:    userID,
//	    Amount:    ledgersync.USD(1250),
//	    Kind:      ledgersync.KindExpense,
//	    Category:  "food",
//	    Timestamp: time.Now(),
//	})
//
// # Sync cycle
//
// Each cycle drains the journal first. Pending edits to the same record are
// coalesced so only the newest state is pushed, with the last known remote
// version as an optimistic-concurrency precondition. A rejected push is
// merged with the remote copy and pushed again. The cycle then pulls remote
// changes after the persisted cursor; records with unpushed local edits are
// merged rather than overwritten. The cursor advances only after a whole
// page is applied.
//
// Transport faults are retried with exponential backoff and jitter without
// an attempt limit. Storage faults end the cycle and wait for the next
// trigger. Merge failures park the record's journal entries until
// RequeueFailed is called or the record is edited again.
//
// # Conflict resolution
//
// Fields changed on only one side since the last synced snapshot keep that
// side's value. Fields changed on both sides take the value with the later
// UpdatedAt, and the remote side wins exact ties. An edit beats a concurrent
// delete. The merged version is one more than the larger of both versions.
//
// # Status
//
// SubscribeStatus streams idle, syncing, conflict and error states. The
// first value on every subscription is the current status.
package ledgersync
