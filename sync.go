package ledgersync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/ledgersync/id"
	"github.com/xraph/ledgersync/journal"
	"github.com/xraph/ledgersync/plugin"
	"github.com/xraph/ledgersync/transaction"
)

// cycle carries the counters and collected failures of one sync cycle.
type cycle struct {
	id       id.SyncCycleID
	pushed   atomic.Int64
	pulled   atomic.Int64
	resolved atomic.Int64

	mu     sync.Mutex
	fault  error
	merges []error
	resync bool
}

// fail records the first transport or storage fault. Later faults are
// dropped; the cycle stops scheduling new records once one is set.
func (c *cycle) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fault == nil {
		c.fault = err
	}
}

func (c *cycle) failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fault != nil
}

func (c *cycle) mergeFailed(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.merges = append(c.merges, err)
}

func (c *cycle) needResync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resync = true
}

func (c *cycle) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fault != nil {
		return c.fault
	}
	return errors.Join(c.merges...)
}

// runCycle pushes the journal, then pulls remote changes. One cycle runs
// at a time.
func (e *Engine) runCycle(ctx context.Context, trigger string) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	start := time.Now()
	c := &cycle{id: id.NewSyncCycleID()}
	e.refreshStatus(ctx, StateSyncing, "", false)

	e.pushPhase(ctx, c)
	if !c.failed() && ctx.Err() == nil {
		e.pullPhase(ctx, c)
	}

	err := c.err()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	e.finishCycle(ctx, c, err)

	report := plugin.SyncReport{
		CycleID:  c.id.String(),
		Trigger:  trigger,
		Pushed:   int(c.pushed.Load()),
		Pulled:   int(c.pulled.Load()),
		Resolved: int(c.resolved.Load()),
		Failed:   len(c.merges),
		Elapsed:  time.Since(start),
		Err:      err,
	}
	e.plugins.EmitSyncCompleted(ctx, report)

	e.logger.Debug("sync cycle finished",
		"cycle_id", report.CycleID,
		"trigger", trigger,
		"pushed", report.Pushed,
		"pulled", report.Pulled,
		"resolved", report.Resolved,
		"failed", report.Failed,
		"elapsed_ms", report.Elapsed.Milliseconds(),
		"error", err,
	)

	if c.resync && err == nil {
		e.TriggerSync()
	}
	return err
}

func (e *Engine) finishCycle(ctx context.Context, c *cycle, err error) {
	// Status is published even when the cycle was cancelled.
	ctx = context.WithoutCancel(ctx)

	switch {
	case err == nil:
		prev := e.status.get()
		prev.LastSyncedAt = e.now()
		e.status.publish(prev)
		e.refreshStatus(ctx, StateIdle, "", false)
	case errors.Is(err, ErrTransport):
		e.refreshStatus(ctx, StateError, err.Error(), true)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		e.refreshStatus(ctx, StateIdle, "", false)
	default:
		e.refreshStatus(ctx, StateError, err.Error(), false)
	}
}

// ──────────────────────────────────────────────────
// Push phase
// ──────────────────────────────────────────────────

func (e *Engine) pushPhase(ctx context.Context, c *cycle) {
	entries, err := e.store.PendingEntries(ctx)
	if err != nil {
		c.fail(err)
		return
	}

	g := new(errgroup.Group)
	g.SetLimit(e.workers)

	for _, b := range journal.Coalesce(entries) {
		// Cancellation and faults take effect between records.
		if ctx.Err() != nil || c.failed() {
			break
		}
		g.Go(func() error {
			e.pushRecord(ctx, c, b.TransactionID)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers report through the cycle
}

// pushRecord pushes the latest local state of one record and settles its
// journal entries. It holds the record lock for the whole exchange and
// reads the record's entries only once the lock is held, so edits made
// after the cycle started are covered by the same push.
func (e *Engine) pushRecord(ctx context.Context, c *cycle, txnID id.TransactionID) {
	unlock := e.locks.Lock(txnID.String())
	defer unlock()

	entries, err := e.store.EntriesFor(ctx, txnID)
	if err != nil {
		c.fail(err)
		return
	}
	if len(entries) == 0 {
		return
	}
	b := journal.Batch{TransactionID: txnID, Entries: entries}

	latest := b.Latest()
	if latest.State == journal.StateConfirmed {
		// Confirmed but not retired before a crash or a storage fault.
		if _, err := e.store.Retire(ctx, txnID, latest.Seq); err != nil {
			c.fail(err)
		}
		return
	}
	if !b.Pushable() {
		return
	}

	// Only one cycle runs and pushes hold the record lock, so an entry
	// still in flight here was abandoned by a cycle that stopped on a fault.
	var open []int64
	for _, entry := range b.Entries {
		if entry.State == journal.StateConfirmed {
			continue
		}
		if entry.State == journal.StateInFlight {
			if err := e.store.MarkPending(ctx, entry.Seq); err != nil {
				c.fail(err)
				return
			}
		}
		open = append(open, entry.Seq)
	}

	local, err := e.store.GetTransaction(ctx, txnID)
	if err != nil {
		c.fail(err)
		return
	}

	inFlight := latest.Seq
	if err := e.store.MarkInFlight(ctx, inFlight); err != nil {
		c.fail(err)
		return
	}

	// Every exit that does not settle or park the record puts the entry
	// being pushed back in the queue.
	settled := false
	defer func() {
		if !settled {
			e.requeue(ctx, inFlight)
		}
	}()

	candidate := local
	expected := local.RemoteVersion
	key := txnID.String()

	for attempt := 0; ; attempt++ {
		err := e.pushOnce(ctx, candidate, expected)
		if err == nil {
			settled = e.settlePushed(ctx, c, candidate, open)
			return
		}

		rc, isConflict := AsConflict(err)
		if !isConflict {
			e.plugins.EmitTransportFault(ctx, "push", err)
			c.fail(transportFault("push", err))
			return
		}

		switch {
		case rc.Current == nil:
			// The remote has no copy; it can only be created.
			expected = 0
			if attempt >= e.maxResolveAttempts {
				c.needResync()
				return
			}
			continue

		case rc.Current.Version == candidate.Version && rc.Current.SameContent(candidate):
			// Our earlier push landed but its acknowledgement was lost.
			settled = e.settlePushed(ctx, c, candidate, open)
			return

		case attempt >= e.maxResolveAttempts:
			e.logger.Warn("conflict did not settle, leaving record for next cycle",
				"transaction_id", key,
				"attempts", attempt,
			)
			c.needResync()
			return
		}

		e.refreshStatus(ctx, StateConflict, "", false)

		base, err := e.store.GetBase(ctx, txnID)
		if err != nil {
			c.fail(err)
			return
		}

		merged, err := e.resolver(base, candidate, rc.Current)
		if err != nil {
			settled = true
			e.park(ctx, c, key, open, err)
			return
		}

		seq, err := e.store.RecordLocal(ctx, merged, journal.OpUpdate)
		if err != nil {
			c.fail(err)
			return
		}
		open = append(open, seq)
		if err := e.store.SetSynced(ctx, rc.Current); err != nil {
			c.fail(err)
			return
		}
		if err := e.store.MarkPending(ctx, inFlight); err != nil {
			c.fail(err)
			return
		}
		if err := e.store.MarkInFlight(ctx, seq); err != nil {
			c.fail(err)
			return
		}
		inFlight = seq

		c.resolved.Add(1)
		e.plugins.EmitConflictResolved(ctx, candidate, rc.Current, merged)
		e.logger.Info("push conflict resolved",
			"transaction_id", key,
			"local_version", candidate.Version,
			"remote_version", rc.Current.Version,
			"merged_version", merged.Version,
		)

		candidate = merged
		expected = rc.Current.Version
	}
}

// pushOnce performs one push. It is detached from ctx so that a push in
// flight finishes or times out rather than being torn by cancellation.
func (e *Engine) pushOnce(ctx context.Context, t *transaction.Transaction, expected int64) error {
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.pushTimeout)
	defer cancel()
	return e.remote.Push(pushCtx, t, expected)
}

// settlePushed confirms and retires the entries covered by an accepted
// push and records the pushed state as the new sync base. It reports
// whether every step succeeded.
func (e *Engine) settlePushed(ctx context.Context, c *cycle, pushed *transaction.Transaction, seqs []int64) bool {
	ctx = context.WithoutCancel(ctx)

	if err := e.store.SetSynced(ctx, pushed); err != nil {
		c.fail(err)
		return false
	}
	for _, seq := range seqs {
		if err := e.store.MarkConfirmed(ctx, seq); err != nil {
			c.fail(err)
			return false
		}
	}
	if _, err := e.store.Retire(ctx, pushed.ID, seqs[len(seqs)-1]); err != nil {
		c.fail(err)
		return false
	}

	c.pushed.Add(1)
	e.plugins.EmitPushAccepted(ctx, pushed)

	if e.purgeTombstones && pushed.Deleted {
		e.purge(ctx, pushed.ID)
	}
	return true
}

// park marks a record's open entries failed after a merge failure. They
// stay parked until RequeueFailed or a newer local edit.
func (e *Engine) park(ctx context.Context, c *cycle, txnID string, seqs []int64, cause error) {
	ctx = context.WithoutCancel(ctx)

	var me *MergeError
	if !errors.As(cause, &me) {
		me = &MergeError{TransactionID: txnID, Reason: "resolver failed", Err: cause}
	}
	for _, seq := range seqs {
		if err := e.store.MarkFailed(ctx, seq, me.Error()); err != nil {
			c.fail(err)
			return
		}
	}

	c.mergeFailed(me)
	e.plugins.EmitMergeFailed(ctx, txnID, me)
	e.logger.Error("merge failed, record parked for manual intervention",
		"transaction_id", txnID,
		"error", me,
	)
}

func (e *Engine) requeue(ctx context.Context, seq int64) {
	if err := e.store.MarkPending(context.WithoutCancel(ctx), seq); err != nil {
		e.logger.Warn("failed to requeue journal entry", "seq", seq, "error", err)
	}
}

func (e *Engine) purge(ctx context.Context, txnID id.TransactionID) {
	purged, err := e.store.PurgeTombstone(ctx, txnID)
	if err != nil {
		e.logger.Warn("tombstone purge failed", "transaction_id", txnID.String(), "error", err)
		return
	}
	if purged {
		e.plugins.EmitTombstonePurged(ctx, txnID.String())
	}
}

// ──────────────────────────────────────────────────
// Pull phase
// ──────────────────────────────────────────────────

// pullPhase pages through remote changes. The cursor advances only after
// a whole page was applied, so an interrupted page is replayed.
func (e *Engine) pullPhase(ctx context.Context, c *cycle) {
	cursor, err := e.store.GetCursor(ctx)
	if err != nil {
		c.fail(err)
		return
	}

	for {
		changes, next, err := e.remote.PullChangesSince(ctx, cursor, e.pullBatch)
		if err != nil {
			e.plugins.EmitTransportFault(ctx, "pull", err)
			c.fail(transportFault("pull", err))
			return
		}

		for _, ch := range changes {
			if ctx.Err() != nil {
				return
			}
			if ch.Transaction == nil {
				continue
			}
			if err := e.applyRemote(ctx, c, ch.Transaction); err != nil {
				c.fail(err)
				return
			}
		}

		if next == cursor {
			return
		}
		if err := e.store.SetCursor(ctx, next); err != nil {
			c.fail(err)
			return
		}
		cursor = next
	}
}

// applyRemote applies one pulled record. A record with unpushed local
// edits is merged instead of overwritten.
func (e *Engine) applyRemote(ctx context.Context, c *cycle, remoteTxn *transaction.Transaction) error {
	txnID := remoteTxn.ID.String()
	unlock := e.locks.Lock(txnID)
	defer unlock()

	pending, err := e.store.HasPending(ctx, remoteTxn.ID)
	if err != nil {
		return err
	}

	if !pending {
		applied, err := e.store.ApplyRemote(ctx, remoteTxn)
		if err != nil {
			return err
		}
		if applied {
			c.pulled.Add(1)
			e.plugins.EmitRemoteApplied(ctx, remoteTxn)
			if e.purgeTombstones && remoteTxn.Deleted {
				e.purge(ctx, remoteTxn.ID)
			}
		}
		return nil
	}

	local, err := e.store.GetTransaction(ctx, remoteTxn.ID)
	if err != nil {
		return err
	}
	if remoteTxn.Version <= local.RemoteVersion {
		return nil
	}

	e.refreshStatus(ctx, StateConflict, "", false)

	base, err := e.store.GetBase(ctx, remoteTxn.ID)
	if err != nil {
		return err
	}
	merged, err := e.resolver(base, local, remoteTxn)
	if err != nil {
		seqs, lerr := e.openSeqs(ctx, remoteTxn.ID)
		if lerr != nil {
			return lerr
		}
		e.park(ctx, c, txnID, seqs, err)
		return nil
	}

	if _, err := e.store.RecordLocal(ctx, merged, journal.OpUpdate); err != nil {
		return err
	}
	if err := e.store.SetSynced(ctx, remoteTxn); err != nil {
		return err
	}

	c.resolved.Add(1)
	c.needResync()
	e.plugins.EmitConflictResolved(ctx, local, remoteTxn, merged)
	e.logger.Info("pull conflict resolved",
		"transaction_id", txnID,
		"local_version", local.Version,
		"remote_version", remoteTxn.Version,
		"merged_version", merged.Version,
	)
	return nil
}

func (e *Engine) openSeqs(ctx context.Context, txnID id.TransactionID) ([]int64, error) {
	entries, err := e.store.EntriesFor(ctx, txnID)
	if err != nil {
		return nil, err
	}
	var seqs []int64
	for _, entry := range entries {
		if entry.State != journal.StateConfirmed {
			seqs = append(seqs, entry.Seq)
		}
	}
	return seqs, nil
}

// transportFault makes sure a remote failure is classed as transport.
func transportFault(op string, err error) error {
	if errors.Is(err, ErrTransport) {
		return err
	}
	return &TransportFault{Op: op, Err: fmt.Errorf("unexpected remote error: %w", err)}
}
