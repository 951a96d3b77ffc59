package ledgersync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/xraph/ledgersync/id"
	"github.com/xraph/ledgersync/journal"
	"github.com/xraph/ledgersync/plugin"
	"github.com/xraph/ledgersync/remote"
	"github.com/xraph/ledgersync/resolve"
	"github.com/xraph/ledgersync/store"
	"github.com/xraph/ledgersync/transaction"
)

// Authenticator refreshes the credentials the remote client presents.
// It is called after an unauthorized transport fault, before the retry.
type Authenticator interface {
	Reauthenticate(ctx context.Context) error
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context) error

// Reauthenticate implements Authenticator.
func (f AuthenticatorFunc) Reauthenticate(ctx context.Context) error { return f(ctx) }

// Engine is the offline-first sync engine. Local writes land in the store
// and its journal immediately; a background loop pushes them to the remote
// ledger, pulls remote changes and reconciles conflicts.
type Engine struct {
	store    store.Store
	remote   remote.Client
	plugins  *plugin.Registry
	logger   *slog.Logger
	resolver resolve.Func
	auth     Authenticator
	now      func() time.Time

	// Configuration
	workers            int
	syncInterval       time.Duration
	pullBatch          int
	pushTimeout        time.Duration
	backoffInitial     time.Duration
	backoffMax         time.Duration
	maxResolveAttempts int
	purgeTombstones    bool

	locks    *recordLocks
	status   *statusBroadcaster
	trigger  chan struct{}
	interval chan time.Duration
	cycleMu  sync.Mutex

	mu       sync.Mutex
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	deviceID string
}

// New creates a new Engine on a local store and a remote client.
func New(s store.Store, rc remote.Client, opts ...Option) *Engine {
	e := &Engine{
		store:              s,
		remote:             rc,
		plugins:            plugin.NewRegistry(),
		logger:             slog.Default(),
		resolver:           resolve.ResolveWithBase,
		now:                func() time.Time { return time.Now().UTC() },
		workers:            4,
		syncInterval:       30 * time.Second,
		pullBatch:          200,
		pushTimeout:        15 * time.Second,
		backoffInitial:     500 * time.Millisecond,
		backoffMax:         5 * time.Minute,
		maxResolveAttempts: 5,
		locks:              newRecordLocks(),
		trigger:            make(chan struct{}, 1),
		interval:           make(chan time.Duration, 1),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.status = newStatusBroadcaster(Status{State: StateIdle, UpdatedAt: e.now()})
	return e
}

// Start migrates the store, recovers interrupted pushes and begins the
// background sync loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrEngineStopped
	}
	if e.started {
		return ErrEngineStarted
	}

	if err := e.store.Migrate(ctx); err != nil {
		return err
	}

	// Pushes that were in flight when the process died are re-delivered.
	recovered, err := e.store.ResetInFlight(ctx)
	if err != nil {
		return err
	}

	deviceID, err := e.store.DeviceID(ctx)
	if err != nil {
		return err
	}
	e.deviceID = deviceID

	e.plugins.EmitInit(ctx, e)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.started = true

	e.wg.Add(1)
	go e.loop(loopCtx)

	if w, ok := e.remote.(remote.Watcher); ok {
		e.wg.Add(1)
		go e.watch(loopCtx, w)
	}

	e.refreshStatus(ctx, StateIdle, "", false)
	e.TriggerSync()

	e.logger.Info("ledgersync engine started",
		"device_id", deviceID,
		"recovered_in_flight", recovered,
		"workers", e.workers,
		"sync_interval", e.syncInterval,
	)

	return nil
}

// Stop shuts down the background loop, waits for in-flight record work,
// closes status subscriptions and the store.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()

	// Wait for a SyncOnce running on a caller's goroutine.
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	e.status.close()
	e.plugins.EmitShutdown(context.Background())

	e.logger.Info("ledgersync engine stopped")
	return e.store.Close()
}

// DeviceID returns this installation's identity once the engine started.
func (e *Engine) DeviceID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deviceID
}

// ──────────────────────────────────────────────────
// Inbound API
// ──────────────────────────────────────────────────

// RecordTransaction creates or updates a transaction locally and schedules
// a sync. A nil ID is assigned. Version and UpdatedAt are set by the
// engine; the caller's values are ignored.
func (e *Engine) RecordTransaction(ctx context.Context, t *transaction.Transaction) (*transaction.Transaction, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: nil transaction", ErrInvalidInput)
	}

	rec := t.Clone()
	if rec.ID.IsNil() {
		rec.ID = id.NewTransactionID()
	}

	unlock := e.locks.Lock(rec.ID.String())
	defer unlock()

	now := e.now()
	op := journal.OpCreate
	existing, err := e.store.GetTransaction(ctx, rec.ID)
	switch {
	case err == nil:
		op = journal.OpUpdate
		rec.Version = existing.Version + 1
		rec.CreatedAt = existing.CreatedAt
	case errors.Is(err, ErrTransactionNotFound):
		rec.Version = 1
		rec.CreatedAt = now
	default:
		return nil, err
	}
	rec.UpdatedAt = now
	rec.Deleted = false

	if _, err := e.store.RecordLocal(ctx, rec, op); err != nil {
		return nil, err
	}

	stored, err := e.store.GetTransaction(ctx, rec.ID)
	if err != nil {
		return nil, err
	}

	e.plugins.EmitTransactionRecorded(ctx, stored, op)
	e.logger.Debug("transaction recorded",
		"transaction_id", stored.ID.String(),
		"operation", string(op),
		"version", stored.Version,
	)

	e.TriggerSync()
	return stored, nil
}

// DeleteTransaction tombstones a transaction and schedules a sync.
// Deleting a tombstone again is a no-op.
func (e *Engine) DeleteTransaction(ctx context.Context, txnID id.TransactionID) (*transaction.Transaction, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(txnID.String())
	defer unlock()

	tomb, seq, err := e.store.MarkDeleted(ctx, txnID, e.now())
	if err != nil {
		return nil, err
	}
	if seq == 0 {
		return tomb, nil
	}

	e.plugins.EmitTransactionDeleted(ctx, tomb)
	e.logger.Debug("transaction deleted",
		"transaction_id", txnID.String(),
		"version", tomb.Version,
	)

	e.TriggerSync()
	return tomb, nil
}

// TriggerSync asks the background loop for a sync cycle. It never blocks;
// triggers that arrive while one is queued are coalesced.
func (e *Engine) TriggerSync() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// SetSyncInterval changes the periodic sync timer of a running engine.
// Non-positive durations are ignored.
func (e *Engine) SetSyncInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	for {
		select {
		case e.interval <- d:
			return
		default:
		}
		// Replace a pending change nobody has read yet.
		select {
		case <-e.interval:
		default:
		}
	}
}

// SubscribeStatus streams sync status until ctx is done or the engine
// stops. The current status is delivered first.
func (e *Engine) SubscribeStatus(ctx context.Context) <-chan Status {
	return e.status.subscribe(ctx)
}

// Status returns the current sync status.
func (e *Engine) Status() Status {
	return e.status.get()
}

// GetTransaction returns the local copy of a transaction.
func (e *Engine) GetTransaction(ctx context.Context, txnID id.TransactionID) (*transaction.Transaction, error) {
	return e.store.GetTransaction(ctx, txnID)
}

// ListTransactions lists local transactions, newest first.
func (e *Engine) ListTransactions(ctx context.Context, opts transaction.ListOpts) ([]*transaction.Transaction, error) {
	return e.store.ListTransactions(ctx, opts)
}

// ListSince returns local records changed after the given local sequence.
func (e *Engine) ListSince(ctx context.Context, afterLocalSeq int64, limit int) ([]*transaction.Transaction, error) {
	return e.store.ListSince(ctx, afterLocalSeq, limit)
}

// PendingCount returns the number of unconfirmed journal entries.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	return e.store.PendingCount(ctx)
}

// RequeueFailed makes journal entries parked after a merge failure
// eligible for push again and schedules a sync.
func (e *Engine) RequeueFailed(ctx context.Context, txnID id.TransactionID) (int, error) {
	unlock := e.locks.Lock(txnID.String())
	n, err := e.store.RequeueFailed(ctx, txnID)
	unlock()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.TriggerSync()
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Background loop
// ──────────────────────────────────────────────────

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.syncInterval)
	defer ticker.Stop()

	bo := e.newBackoff()
	retry := time.NewTimer(time.Hour)
	retry.Stop()
	defer retry.Stop()

	for {
		var trigger string
		select {
		case <-ctx.Done():
			return
		case d := <-e.interval:
			ticker.Reset(d)
			e.logger.Info("sync interval changed", "sync_interval", d)
			continue
		case <-e.trigger:
			trigger = "trigger"
		case <-ticker.C:
			trigger = "timer"
		case <-retry.C:
			trigger = "retry"
		}

		err := e.runCycle(ctx, trigger)
		switch {
		case err == nil:
			bo.Reset()
			retry.Stop()

		case errors.Is(err, ErrTransport):
			if IsUnauthorized(err) {
				e.reauthenticate(ctx)
			}
			delay := bo.NextBackOff()
			retry.Reset(delay)
			e.logger.Warn("sync cycle hit a transport fault, backing off",
				"error", err,
				"retry_in", delay,
			)

		default:
			// Storage faults and merge failures wait for the next trigger.
			bo.Reset()
			retry.Stop()
		}
	}
}

func (e *Engine) watch(ctx context.Context, w remote.Watcher) {
	defer e.wg.Done()

	bo := e.newBackoff()
	for {
		events, err := w.Watch(ctx)
		if err == nil {
			bo.Reset()
			for range events {
				e.TriggerSync()
			}
		} else {
			e.logger.Debug("remote watch unavailable", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// SyncOnce runs one sync cycle on the caller's goroutine. It returns the
// cycle's transport or storage fault, or the joined merge failures.
func (e *Engine) SyncOnce(ctx context.Context) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.runCycle(ctx, "manual")
}

// SyncWithRetry runs sync cycles until one completes without a transport
// fault, backing off between attempts. maxTries of 0 retries until ctx
// is done.
func (e *Engine) SyncWithRetry(ctx context.Context, maxTries uint) error {
	if err := e.checkOpen(); err != nil {
		return err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(e.newBackoff()),
		backoff.WithMaxElapsedTime(0),
	}
	if maxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(maxTries))
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := e.runCycle(ctx, "manual")
		if err == nil {
			return struct{}{}, nil
		}
		if !errors.Is(err, ErrTransport) {
			return struct{}{}, backoff.Permanent(err)
		}
		if IsUnauthorized(err) {
			e.reauthenticate(ctx)
		}
		return struct{}{}, err
	}, opts...)
	return err
}

func (e *Engine) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.backoffInitial
	bo.MaxInterval = e.backoffMax
	bo.RandomizationFactor = 0.2
	bo.Multiplier = 2
	bo.Reset()
	return bo
}

func (e *Engine) reauthenticate(ctx context.Context) {
	if e.auth == nil {
		e.logger.Warn("remote rejected credentials and no authenticator is configured")
		return
	}
	if err := e.auth.Reauthenticate(ctx); err != nil {
		e.logger.Warn("reauthentication failed", "error", err)
	}
}

func (e *Engine) checkOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrEngineStopped
	}
	return nil
}

// refreshStatus publishes a new status with a fresh pending count.
func (e *Engine) refreshStatus(ctx context.Context, state State, errMsg string, retrying bool) {
	prev := e.status.get()
	next := Status{
		State:        state,
		Pending:      prev.Pending,
		LastSyncedAt: prev.LastSyncedAt,
		Err:          errMsg,
		Retrying:     retrying,
		UpdatedAt:    e.now(),
	}
	if n, err := e.store.PendingCount(ctx); err == nil {
		next.Pending = n
	}
	e.publish(ctx, next)
}

func (e *Engine) publish(ctx context.Context, s Status) {
	prev := e.status.publish(s)
	if prev.State != s.State {
		e.plugins.EmitStatusChanged(ctx, string(prev.State), string(s.State))
	}
}
