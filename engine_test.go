package ledgersync_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/ledgersync"
	"github.com/xraph/ledgersync/id"
	"github.com/xraph/ledgersync/journal"
	"github.com/xraph/ledgersync/remote"
	remotemem "github.com/xraph/ledgersync/remote/memory"
	"github.com/xraph/ledgersync/store/memory"
	"github.com/xraph/ledgersync/transaction"
)

var t0 = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(start time.Time) *testClock { return &testClock{now: start} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// pushRecorder counts pushes that reach the remote client.
type pushRecorder struct {
	remote.Client
	mu     sync.Mutex
	pushed []*transaction.Transaction
}

func (p *pushRecorder) Push(ctx context.Context, t *transaction.Transaction, expected int64) error {
	p.mu.Lock()
	p.pushed = append(p.pushed, t.Clone())
	p.mu.Unlock()
	return p.Client.Push(ctx, t, expected)
}

func (p *pushRecorder) versions() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int64, len(p.pushed))
	for i, t := range p.pushed {
		out[i] = t.Version
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type device struct {
	engine *ledgersync.Engine
	store  *memory.Store
	clock  *testClock
}

func newDevice(t *testing.T, client remote.Client, opts ...ledgersync.Option) *device {
	t.Helper()
	d := &device{store: memory.New(), clock: newClock(t0)}
	base := []ledgersync.Option{
		ledgersync.WithClock(d.clock.Now),
		ledgersync.WithLogger(quietLogger()),
		ledgersync.WithBackoff(5*time.Millisecond, 20*time.Millisecond),
		ledgersync.WithSyncInterval(time.Hour),
	}
	d.engine = ledgersync.New(d.store, client, append(base, opts...)...)
	t.Cleanup(func() { _ = d.engine.Stop() })
	return d
}

func newTxn(userID string, amount int64) *transaction.Transaction {
	return &transaction.Transaction{
		UserID:    userID,
		Amount:    ledgersync.USD(amount),
		Kind:      transaction.KindExpense,
		Category:  "general",
		Timestamp: t0,
	}
}

func edit(t *testing.T, d *device, txn *transaction.Transaction, at time.Time, fn func(*transaction.Transaction)) *transaction.Transaction {
	t.Helper()
	d.clock.Set(at)
	next := txn.Clone()
	fn(next)
	out, err := d.engine.RecordTransaction(context.Background(), next)
	require.NoError(t, err)
	return out
}

func requireConverged(t *testing.T, a, b *transaction.Transaction) {
	t.Helper()
	assert.True(t, a.SameContent(b), "content differs:\n%+v\n%+v", a, b)
	assert.Equal(t, a.Version, b.Version)
	assert.True(t, a.UpdatedAt.Equal(b.UpdatedAt))
}

func TestRecordTransactionAssignsIdentityAndVersion(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, remotemem.NewServer().Client())

	in := newTxn("u1", 500)
	in.Version = 42
	created, err := d.engine.RecordTransaction(ctx, in)
	require.NoError(t, err)
	assert.False(t, created.ID.IsNil())
	assert.Equal(t, int64(1), created.Version)
	assert.True(t, created.UpdatedAt.Equal(t0))
	assert.True(t, in.ID.IsNil(), "caller's value must not be mutated")

	later := t0.Add(time.Minute)
	updated := edit(t, d, created, later, func(t *transaction.Transaction) { t.Note = "lunch" })
	assert.Equal(t, int64(2), updated.Version)
	assert.True(t, updated.CreatedAt.Equal(t0))
	assert.True(t, updated.UpdatedAt.Equal(later))

	n, err := d.engine.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = d.engine.RecordTransaction(ctx, &transaction.Transaction{})
	assert.ErrorIs(t, err, ledgersync.ErrInvalidTransaction)
}

func TestOfflineEditsAreCoalesced(t *testing.T) {
	ctx := context.Background()
	srv := remotemem.NewServer()
	rec := &pushRecorder{Client: srv.Client()}
	d := newDevice(t, rec)

	srv.SetOffline(true)
	txn, err := d.engine.RecordTransaction(ctx, newTxn("u1", 500))
	require.NoError(t, err)
	txn = edit(t, d, txn, t0.Add(time.Minute), func(t *transaction.Transaction) { t.Amount = ledgersync.USD(600) })
	txn = edit(t, d, txn, t0.Add(2*time.Minute), func(t *transaction.Transaction) { t.Amount = ledgersync.USD(700) })

	err = d.engine.SyncOnce(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledgersync.ErrTransport)
	assert.Equal(t, ledgersync.StateError, d.engine.Status().State)
	assert.True(t, d.engine.Status().Retrying)

	entries, err := d.store.PendingEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, journal.StatePending, e.State, e.String())
	}

	srv.SetOffline(false)
	require.NoError(t, d.engine.SyncOnce(ctx))

	// Only the latest state went out, once offline; the first attempt
	// during the outage was the same v3.
	assert.Equal(t, []int64{3, 3}, rec.versions())

	remoteTxn, ok := srv.Get(txn.ID)
	require.True(t, ok)
	assert.Equal(t, int64(3), remoteTxn.Version)
	assert.Equal(t, int64(700), remoteTxn.Amount.Amount)

	n, err := d.engine.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	local, err := d.engine.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), local.RemoteVersion)
	assert.Equal(t, ledgersync.StateIdle, d.engine.Status().State)
}

func TestPullIsIdempotent(t *testing.T) {
	ctx := context.Background()
	srv := remotemem.NewServer()
	writer := newDevice(t, srv.Client())
	reader := newDevice(t, srv.Client())

	txn, err := writer.engine.RecordTransaction(ctx, newTxn("u1", 500))
	require.NoError(t, err)
	require.NoError(t, writer.engine.SyncOnce(ctx))

	require.NoError(t, reader.engine.SyncOnce(ctx))
	first, err := reader.engine.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Version, first.RemoteVersion)

	// Replay the whole remote log.
	require.NoError(t, reader.store.SetCursor(ctx, ""))
	require.NoError(t, reader.engine.SyncOnce(ctx))

	second, err := reader.engine.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	n, err := reader.engine.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "pulled records are never journaled")
}

func TestTwoDevicesConverge(t *testing.T) {
	for _, order := range []string{"b-first", "a-first"} {
		t.Run(order, func(t *testing.T) {
			ctx := context.Background()
			srv := remotemem.NewServer()
			a := newDevice(t, srv.Client())
			b := newDevice(t, srv.Client())

			t1, err := a.engine.RecordTransaction(ctx, newTxn("u1", 500))
			require.NoError(t, err)
			require.NoError(t, a.engine.SyncOnce(ctx))
			require.NoError(t, b.engine.SyncOnce(ctx))

			onB, err := b.engine.GetTransaction(ctx, t1.ID)
			require.NoError(t, err)

			edit(t, a, t1, t0.Add(time.Minute), func(t *transaction.Transaction) { t.Amount = ledgersync.USD(700) })
			edit(t, b, onB, t0.Add(2*time.Minute), func(t *transaction.Transaction) { t.Note = "groceries" })

			first, second := b, a
			if order == "a-first" {
				first, second = a, b
			}
			require.NoError(t, first.engine.SyncOnce(ctx))
			require.NoError(t, second.engine.SyncOnce(ctx))
			require.NoError(t, first.engine.SyncOnce(ctx))
			require.NoError(t, second.engine.SyncOnce(ctx))

			finalA, err := a.engine.GetTransaction(ctx, t1.ID)
			require.NoError(t, err)
			finalB, err := b.engine.GetTransaction(ctx, t1.ID)
			require.NoError(t, err)
			remoteTxn, ok := srv.Get(t1.ID)
			require.True(t, ok)

			assert.Equal(t, int64(700), finalA.Amount.Amount)
			assert.Equal(t, "groceries", finalA.Note)
			assert.Equal(t, int64(3), finalA.Version)
			requireConverged(t, finalA, finalB)
			requireConverged(t, finalA, remoteTxn)

			for _, d := range []*device{a, b} {
				n, err := d.engine.PendingCount(ctx)
				require.NoError(t, err)
				assert.Zero(t, n)
			}
		})
	}
}

func TestTieBreakFavorsRemote(t *testing.T) {
	ctx := context.Background()
	srv := remotemem.NewServer()
	a := newDevice(t, srv.Client())
	b := newDevice(t, srv.Client())

	t1, err := a.engine.RecordTransaction(ctx, newTxn("u1", 500))
	require.NoError(t, err)
	require.NoError(t, a.engine.SyncOnce(ctx))
	require.NoError(t, b.engine.SyncOnce(ctx))
	onB, err := b.engine.GetTransaction(ctx, t1.ID)
	require.NoError(t, err)

	same := t0.Add(time.Minute)
	edit(t, a, t1, same, func(t *transaction.Transaction) { t.Note = "from a" })
	edit(t, b, onB, same, func(t *transaction.Transaction) { t.Note = "from b" })

	// b reaches the remote first, so for a the remote side is b's edit.
	require.NoError(t, b.engine.SyncOnce(ctx))
	require.NoError(t, a.engine.SyncOnce(ctx))
	require.NoError(t, b.engine.SyncOnce(ctx))

	finalA, err := a.engine.GetTransaction(ctx, t1.ID)
	require.NoError(t, err)
	finalB, err := b.engine.GetTransaction(ctx, t1.ID)
	require.NoError(t, err)
	assert.Equal(t, "from b", finalA.Note)
	requireConverged(t, finalA, finalB)
}

func TestEditBeatsConcurrentDelete(t *testing.T) {
	ctx := context.Background()
	srv := remotemem.NewServer()
	a := newDevice(t, srv.Client())
	b := newDevice(t, srv.Client())

	t1, err := a.engine.RecordTransaction(ctx, newTxn("u1", 500))
	require.NoError(t, err)
	require.NoError(t, a.engine.SyncOnce(ctx))
	require.NoError(t, b.engine.SyncOnce(ctx))

	b.clock.Set(t0.Add(2 * time.Minute))
	_, err = b.engine.DeleteTransaction(ctx, t1.ID)
	require.NoError(t, err)
	require.NoError(t, b.engine.SyncOnce(ctx))

	edit(t, a, t1, t0.Add(time.Minute), func(t *transaction.Transaction) { t.Amount = ledgersync.USD(900) })
	require.NoError(t, a.engine.SyncOnce(ctx))
	require.NoError(t, b.engine.SyncOnce(ctx))

	remoteTxn, ok := srv.Get(t1.ID)
	require.True(t, ok)
	assert.False(t, remoteTxn.Deleted)
	assert.Equal(t, int64(900), remoteTxn.Amount.Amount)

	finalB, err := b.engine.GetTransaction(ctx, t1.ID)
	require.NoError(t, err)
	assert.False(t, finalB.Deleted, "edit must resurrect the tombstone")
	requireConverged(t, remoteTxn, finalB)
}

func TestDeleteTwiceIsNoop(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, remotemem.NewServer().Client())

	txn, err := d.engine.RecordTransaction(ctx, newTxn("u1", 500))
	require.NoError(t, err)
	tomb, err := d.engine.DeleteTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.True(t, tomb.Deleted)
	assert.Equal(t, int64(2), tomb.Version)

	again, err := d.engine.DeleteTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.Version)

	_, err = d.engine.DeleteTransaction(ctx, ledgersync.TransactionID{})
	assert.True(t, ledgersync.IsNotFound(err))
}

func TestTombstonePurgedAfterConfirmedDelete(t *testing.T) {
	ctx := context.Background()
	srv := remotemem.NewServer()
	d := newDevice(t, srv.Client(), ledgersync.WithTombstonePurge(true))

	txn, err := d.engine.RecordTransaction(ctx, newTxn("u1", 500))
	require.NoError(t, err)
	require.NoError(t, d.engine.SyncOnce(ctx))
	_, err = d.engine.DeleteTransaction(ctx, txn.ID)
	require.NoError(t, err)
	require.NoError(t, d.engine.SyncOnce(ctx))

	_, err = d.engine.GetTransaction(ctx, txn.ID)
	assert.ErrorIs(t, err, ledgersync.ErrTransactionNotFound)

	remoteTxn, ok := srv.Get(txn.ID)
	require.True(t, ok)
	assert.True(t, remoteTxn.Deleted)

	// Replaying the remote log must not resurrect it as live data.
	require.NoError(t, d.store.SetCursor(ctx, ""))
	require.NoError(t, d.engine.SyncOnce(ctx))
	live, err := d.engine.ListTransactions(ctx, transaction.ListOpts{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestLostAcknowledgementIsSettled(t *testing.T) {
	ctx := context.Background()
	srv := remotemem.NewServer()
	d := newDevice(t, srv.Client())

	txn, err := d.engine.RecordTransaction(ctx, newTxn("u1", 500))
	require.NoError(t, err)

	srv.LoseNextAcks(1)
	assert.ErrorIs(t, d.engine.SyncOnce(ctx), ledgersync.ErrTransport)
	require.NoError(t, d.engine.SyncOnce(ctx))

	remoteTxn, ok := srv.Get(txn.ID)
	require.True(t, ok)
	assert.Equal(t, int64(1), remoteTxn.Version)

	n, err := d.engine.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMergeFailureParksRecord(t *testing.T) {
	ctx := context.Background()
	srv := remotemem.NewServer()
	a := newDevice(t, srv.Client())

	var resolverCalls atomic.Int32
	b := newDevice(t, srv.Client(), ledgersync.WithResolver(
		func(_, local, _ *transaction.Transaction) (*transaction.Transaction, error) {
			resolverCalls.Add(1)
			return nil, &ledgersync.MergeError{TransactionID: local.ID.String(), Reason: "test refuses to merge"}
		}))

	t1, err := a.engine.RecordTransaction(ctx, newTxn("u1", 500))
	require.NoError(t, err)
	require.NoError(t, a.engine.SyncOnce(ctx))
	require.NoError(t, b.engine.SyncOnce(ctx))
	onB, err := b.engine.GetTransaction(ctx, t1.ID)
	require.NoError(t, err)

	edit(t, a, t1, t0.Add(time.Minute), func(t *transaction.Transaction) { t.Note = "a" })
	require.NoError(t, a.engine.SyncOnce(ctx))
	edit(t, b, onB, t0.Add(time.Minute), func(t *transaction.Transaction) { t.Note = "b" })

	err = b.engine.SyncOnce(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledgersync.ErrMergeFailure)
	assert.Equal(t, ledgersync.StateError, b.engine.Status().State)
	assert.False(t, b.engine.Status().Retrying)

	entries, err := b.store.PendingEntries(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	for _, e := range entries {
		assert.Equal(t, journal.StateFailed, e.State, e.String())
		assert.Contains(t, e.FailReason, "test refuses to merge")
	}

	// Parked entries are not retried on their own.
	calls := resolverCalls.Load()
	require.NoError(t, b.engine.SyncOnce(ctx))
	assert.Equal(t, calls, resolverCalls.Load())

	n, err := b.engine.RequeueFailed(ctx, t1.ID)
	require.NoError(t, err)
	assert.Equal(t, len(entries), n)
}

func TestCancelledCycleLeavesJournalIntact(t *testing.T) {
	srv := remotemem.NewServer()
	d := newDevice(t, srv.Client())

	txn, err := d.engine.RecordTransaction(context.Background(), newTxn("u1", 500))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.engine.SyncOnce(ctx), context.Canceled)

	_, ok := srv.Get(txn.ID)
	assert.False(t, ok)
	n, err := d.engine.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBackgroundLoopRecoversAfterOutage(t *testing.T) {
	ctx := context.Background()
	srv := remotemem.NewServer()
	srv.SetOffline(true)
	d := newDevice(t, srv.Client())
	require.NoError(t, d.engine.Start(ctx))

	txn, err := d.engine.RecordTransaction(ctx, newTxn("u1", 500))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := d.engine.Status()
		return s.State == ledgersync.StateError && s.Retrying
	}, 2*time.Second, 5*time.Millisecond)

	srv.SetOffline(false)

	require.Eventually(t, func() bool {
		_, ok := srv.Get(txn.ID)
		n, err := d.engine.PendingCount(ctx)
		return ok && err == nil && n == 0 && d.engine.Status().State == ledgersync.StateIdle
	}, 2*time.Second, 5*time.Millisecond)
}

func TestUnauthorizedTriggersReauthentication(t *testing.T) {
	ctx := context.Background()
	srv := remotemem.NewServer()
	srv.AllowTokens("fresh")

	var (
		token atomic.Value
		auths atomic.Int32
	)
	token.Store("expired")
	client := srv.Client(remotemem.WithTokenSource(remote.TokenFunc(func(context.Context) (string, error) {
		return token.Load().(string), nil
	})))

	d := newDevice(t, client, ledgersync.WithAuthenticator(ledgersync.AuthenticatorFunc(func(context.Context) error {
		auths.Add(1)
		token.Store("fresh")
		return nil
	})))
	require.NoError(t, d.engine.Start(ctx))

	txn, err := d.engine.RecordTransaction(ctx, newTxn("u1", 500))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := srv.Get(txn.ID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, auths.Load(), int32(1))
}

func TestStartRecoversInFlightEntries(t *testing.T) {
	ctx := context.Background()
	srv := remotemem.NewServer()
	d := newDevice(t, srv.Client())

	txn, err := d.engine.RecordTransaction(ctx, newTxn("u1", 500))
	require.NoError(t, err)
	entries, err := d.store.PendingEntries(ctx)
	require.NoError(t, err)
	require.NoError(t, d.store.MarkInFlight(ctx, entries[0].Seq))

	require.NoError(t, d.engine.Start(ctx))
	assert.ErrorIs(t, d.engine.Start(ctx), ledgersync.ErrEngineStarted)
	assert.NotEmpty(t, d.engine.DeviceID())

	require.Eventually(t, func() bool {
		_, ok := srv.Get(txn.ID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWatchTriggersPull(t *testing.T) {
	ctx := context.Background()
	srv := remotemem.NewServer()
	writer := newDevice(t, srv.Client())
	reader := newDevice(t, srv.Client())
	require.NoError(t, reader.engine.Start(ctx))
	require.Eventually(t, func() bool { return srv.Watchers() == 1 }, time.Second, 5*time.Millisecond)

	txn, err := writer.engine.RecordTransaction(ctx, newTxn("u1", 500))
	require.NoError(t, err)
	require.NoError(t, writer.engine.SyncOnce(ctx))

	require.Eventually(t, func() bool {
		_, err := reader.engine.GetTransaction(ctx, txn.ID)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSyncWithRetry(t *testing.T) {
	ctx := context.Background()
	srv := remotemem.NewServer()
	d := newDevice(t, &flakyClient{Client: srv.Client(), failures: 2})

	txn, err := d.engine.RecordTransaction(ctx, newTxn("u1", 500))
	require.NoError(t, err)
	require.NoError(t, d.engine.SyncWithRetry(ctx, 5))

	_, ok := srv.Get(txn.ID)
	assert.True(t, ok)
}

func TestSubscribeStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := newDevice(t, remotemem.NewServer().Client())

	updates := d.engine.SubscribeStatus(ctx)
	first := <-updates
	assert.Equal(t, ledgersync.StateIdle, first.State)

	_, err := d.engine.RecordTransaction(ctx, newTxn("u1", 500))
	require.NoError(t, err)
	require.NoError(t, d.engine.SyncOnce(ctx))

	require.Eventually(t, func() bool {
		select {
		case s := <-updates:
			return s.State == ledgersync.StateIdle && !s.LastSyncedAt.IsZero()
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, open := <-updates:
			return !open
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestStoppedEngineRejectsCalls(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, remotemem.NewServer().Client())
	require.NoError(t, d.engine.Start(ctx))
	updates := d.engine.SubscribeStatus(ctx)
	require.NoError(t, d.engine.Stop())

	_, err := d.engine.RecordTransaction(ctx, newTxn("u1", 1))
	assert.ErrorIs(t, err, ledgersync.ErrEngineStopped)
	assert.ErrorIs(t, d.engine.SyncOnce(ctx), ledgersync.ErrEngineStopped)
	assert.ErrorIs(t, d.engine.Start(ctx), ledgersync.ErrEngineStopped)

	for range updates {
	}
}

type flakyClient struct {
	remote.Client
	mu       sync.Mutex
	failures int
}

func (f *flakyClient) Push(ctx context.Context, t *transaction.Transaction, expected int64) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return &ledgersync.TransportFault{Op: "push", Err: errors.New("connection reset")}
	}
	f.mu.Unlock()
	return f.Client.Push(ctx, t, expected)
}

func TestSetSyncIntervalTakesEffect(t *testing.T) {
	ctx := context.Background()
	srv := remotemem.NewServer()
	// The recorder hides the client's Watch, so only the timer pulls.
	d := newDevice(t, &pushRecorder{Client: srv.Client()})
	require.NoError(t, d.engine.Start(ctx))
	require.Eventually(t, func() bool {
		return !d.engine.Status().LastSyncedAt.IsZero()
	}, time.Second, 5*time.Millisecond)

	seeded := newTxn("u1", 4200)
	seeded.ID = id.NewTransactionID()
	seeded.Version = 1
	seeded.CreatedAt = t0
	seeded.UpdatedAt = t0
	srv.Put(seeded, "other-device")

	d.engine.SetSyncInterval(10 * time.Millisecond)

	require.Eventually(t, func() bool {
		got, err := d.engine.GetTransaction(ctx, seeded.ID)
		return err == nil && got.Version == 1
	}, 2*time.Second, 5*time.Millisecond)
}
