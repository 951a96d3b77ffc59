// Package storetest is a conformance suite every store.Store backend runs
// from its own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/ledgersync"
	"github.com/xraph/ledgersync/id"
	"github.com/xraph/ledgersync/journal"
	"github.com/xraph/ledgersync/store"
	"github.com/xraph/ledgersync/transaction"
	"github.com/xraph/ledgersync/types"
)

// Factory opens a fresh, migrated, empty store. Cleanup is the factory's job.
type Factory func(t *testing.T) store.Store

var epoch = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

// NewTransaction builds a valid version-1 transaction.
func NewTransaction(userID string, amount int64) *transaction.Transaction {
	return &transaction.Transaction{
		Entity:    types.NewEntity(epoch),
		ID:        id.NewTransactionID(),
		UserID:    userID,
		Amount:    types.USD(amount),
		Kind:      transaction.KindExpense,
		Category:  "general",
		Timestamp: epoch,
		Version:   1,
	}
}

// Next returns a copy of t with the version bumped and fn applied.
func Next(t *transaction.Transaction, fn func(*transaction.Transaction)) *transaction.Transaction {
	c := t.Clone()
	c.Version++
	c.UpdatedAt = c.UpdatedAt.Add(time.Second)
	if fn != nil {
		fn(c)
	}
	return c
}

// Run executes the suite against stores produced by open.
func Run(t *testing.T, open Factory) {
	t.Run("RecordAndGet", func(t *testing.T) { testRecordAndGet(t, open(t)) })
	t.Run("StaleVersionLeavesNoTrace", func(t *testing.T) { testStaleVersion(t, open(t)) })
	t.Run("InvalidInputLeavesNoTrace", func(t *testing.T) { testInvalidInput(t, open(t)) })
	t.Run("MarkDeleted", func(t *testing.T) { testMarkDeleted(t, open(t)) })
	t.Run("ApplyRemoteIsIdempotent", func(t *testing.T) { testApplyRemote(t, open(t)) })
	t.Run("SetSyncedAndBase", func(t *testing.T) { testSetSynced(t, open(t)) })
	t.Run("JournalLifecycle", func(t *testing.T) { testJournalLifecycle(t, open(t)) })
	t.Run("JournalRecovery", func(t *testing.T) { testJournalRecovery(t, open(t)) })
	t.Run("ListTransactions", func(t *testing.T) { testListTransactions(t, open(t)) })
	t.Run("ListSince", func(t *testing.T) { testListSince(t, open(t)) })
	t.Run("PurgeTombstone", func(t *testing.T) { testPurgeTombstone(t, open(t)) })
	t.Run("SyncState", func(t *testing.T) { testSyncState(t, open(t)) })
	t.Run("ConcurrentWriters", func(t *testing.T) { testConcurrentWriters(t, open(t)) })
}

func testRecordAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	txn := NewTransaction("u1", 500)
	txn.RemoteVersion = 99
	txn.Note = "lunch"

	seq, err := s.RecordLocal(ctx, txn, journal.OpCreate)
	require.NoError(t, err)
	assert.Positive(t, seq)

	got, err := s.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.True(t, got.SameContent(txn))
	assert.Equal(t, int64(1), got.Version)
	assert.Zero(t, got.RemoteVersion, "remote version is owned by the store")
	assert.Positive(t, got.LocalSeq)
	assert.True(t, got.UpdatedAt.Equal(txn.UpdatedAt))

	entries, err := s.PendingEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, seq, entries[0].Seq)
	assert.Equal(t, journal.OpCreate, entries[0].Operation)
	assert.Equal(t, int64(1), entries[0].PayloadVersion)
	assert.Equal(t, journal.StatePending, entries[0].State)
	assert.Equal(t, txn.ID.String(), entries[0].TransactionID.String())

	_, err = s.GetTransaction(ctx, id.NewTransactionID())
	assert.ErrorIs(t, err, ledgersync.ErrTransactionNotFound)
}

func testStaleVersion(t *testing.T, s store.Store) {
	ctx := context.Background()
	txn := NewTransaction("u1", 500)
	_, err := s.RecordLocal(ctx, txn, journal.OpCreate)
	require.NoError(t, err)

	same := txn.Clone()
	same.Note = "should not land"
	_, err = s.RecordLocal(ctx, same, journal.OpUpdate)
	assert.ErrorIs(t, err, ledgersync.ErrStaleVersion)

	got, err := s.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Note)

	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testInvalidInput(t *testing.T, s store.Store) {
	ctx := context.Background()

	txn := NewTransaction("u1", 500)
	_, err := s.RecordLocal(ctx, txn, journal.Operation("bogus"))
	assert.Error(t, err)

	bad := NewTransaction("u1", 500)
	bad.Version = 0
	_, err = s.RecordLocal(ctx, bad, journal.OpCreate)
	assert.ErrorIs(t, err, ledgersync.ErrInvalidTransaction)

	for _, txnID := range []id.ID{txn.ID, bad.ID} {
		_, err = s.GetTransaction(ctx, txnID)
		assert.ErrorIs(t, err, ledgersync.ErrTransactionNotFound)
	}
	entries, err := s.PendingEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func testMarkDeleted(t *testing.T, s store.Store) {
	ctx := context.Background()
	txn := NewTransaction("u1", 500)
	_, err := s.RecordLocal(ctx, txn, journal.OpCreate)
	require.NoError(t, err)

	at := epoch.Add(time.Hour)
	tomb, seq, err := s.MarkDeleted(ctx, txn.ID, at)
	require.NoError(t, err)
	assert.Positive(t, seq)
	assert.True(t, tomb.Deleted)
	assert.Equal(t, int64(2), tomb.Version)
	assert.True(t, tomb.UpdatedAt.Equal(at))

	got, err := s.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted, "tombstones stay readable until purged")

	entries, err := s.PendingEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, journal.OpDelete, entries[1].Operation)
	assert.Equal(t, int64(2), entries[1].PayloadVersion)

	again, seq, err := s.MarkDeleted(ctx, txn.ID, at.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, seq, "deleting a tombstone journals nothing")
	assert.Equal(t, int64(2), again.Version)

	_, _, err = s.MarkDeleted(ctx, id.NewTransactionID(), at)
	assert.ErrorIs(t, err, ledgersync.ErrTransactionNotFound)
}

func testApplyRemote(t *testing.T, s store.Store) {
	ctx := context.Background()
	v1 := NewTransaction("u1", 500)

	applied, err := s.ApplyRemote(ctx, v1)
	require.NoError(t, err)
	assert.True(t, applied)

	first, err := s.GetTransaction(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.RemoteVersion)

	applied, err = s.ApplyRemote(ctx, v1)
	require.NoError(t, err)
	assert.False(t, applied)

	second, err := s.GetTransaction(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second, "re-applying the same version changes nothing")

	v2 := Next(v1, func(x *transaction.Transaction) { x.Note = "edited remotely" })
	applied, err = s.ApplyRemote(ctx, v2)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.ApplyRemote(ctx, v1)
	require.NoError(t, err)
	assert.False(t, applied, "older versions never overwrite newer ones")

	got, err := s.GetTransaction(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, "edited remotely", got.Note)
	assert.Equal(t, int64(2), got.RemoteVersion)

	base, err := s.GetBase(ctx, v1.ID)
	require.NoError(t, err)
	require.NotNil(t, base)
	assert.Equal(t, int64(2), base.Version)

	entries, err := s.PendingEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries, "remote applies are not journaled")
}

func testSetSynced(t *testing.T, s store.Store) {
	ctx := context.Background()
	txn := NewTransaction("u1", 500)
	_, err := s.RecordLocal(ctx, txn, journal.OpCreate)
	require.NoError(t, err)

	base, err := s.GetBase(ctx, txn.ID)
	require.NoError(t, err)
	assert.Nil(t, base)

	require.NoError(t, s.SetSynced(ctx, txn))
	got, err := s.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.RemoteVersion)

	remote := Next(txn, func(x *transaction.Transaction) { x.Category = "travel" })
	require.NoError(t, s.SetSynced(ctx, remote))

	got, err = s.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.RemoteVersion)
	assert.Equal(t, "general", got.Category, "SetSynced never touches the live record")

	base, err = s.GetBase(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, "travel", base.Category)

	require.NoError(t, s.SetSynced(ctx, txn))
	got, err = s.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.RemoteVersion, "known remote version never moves backwards")

	assert.ErrorIs(t, s.SetSynced(ctx, NewTransaction("u1", 1)), ledgersync.ErrTransactionNotFound)
}

func testJournalLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	txn := NewTransaction("u1", 500)
	seq1, err := s.RecordLocal(ctx, txn, journal.OpCreate)
	require.NoError(t, err)
	v2 := Next(txn, nil)
	seq2, err := s.RecordLocal(ctx, v2, journal.OpUpdate)
	require.NoError(t, err)
	assert.Greater(t, seq2, seq1)

	other := NewTransaction("u1", 10)
	seqOther, err := s.RecordLocal(ctx, other, journal.OpCreate)
	require.NoError(t, err)

	require.NoError(t, s.MarkInFlight(ctx, seq2))
	assert.ErrorIs(t, s.MarkInFlight(ctx, seq1), ledgersync.ErrAlreadyInFlight)
	require.NoError(t, s.MarkInFlight(ctx, seqOther), "different records may push concurrently")
	require.NoError(t, s.MarkInFlight(ctx, seq2), "re-marking the same entry is allowed")

	_, err = s.Retire(ctx, txn.ID, seq2)
	assert.ErrorIs(t, err, ledgersync.ErrNotConfirmed)

	require.NoError(t, s.MarkConfirmed(ctx, seq2))
	n, err := s.Retire(ctx, txn.ID, seq2)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "superseded earlier entries retire with the confirmed one")

	has, err := s.HasPending(ctx, txn.ID)
	require.NoError(t, err)
	assert.False(t, has)
	has, err = s.HasPending(ctx, other.ID)
	require.NoError(t, err)
	assert.True(t, has)

	entries, err := s.PendingEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, seqOther, entries[0].Seq)
	assert.Equal(t, journal.StateInFlight, entries[0].State)

	own, err := s.EntriesFor(ctx, other.ID)
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, seqOther, own[0].Seq)
	own, err = s.EntriesFor(ctx, txn.ID)
	require.NoError(t, err)
	assert.Empty(t, own, "retired entries are gone")

	assert.ErrorIs(t, s.MarkInFlight(ctx, 9999), ledgersync.ErrJournalEntryNotFound)
	_, err = s.Retire(ctx, other.ID, seq2)
	assert.ErrorIs(t, err, ledgersync.ErrJournalEntryNotFound)
}

func testJournalRecovery(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := NewTransaction("u1", 1)
	b := NewTransaction("u1", 2)
	seqA, err := s.RecordLocal(ctx, a, journal.OpCreate)
	require.NoError(t, err)
	seqB, err := s.RecordLocal(ctx, b, journal.OpCreate)
	require.NoError(t, err)

	require.NoError(t, s.MarkInFlight(ctx, seqA))
	require.NoError(t, s.MarkFailed(ctx, seqB, "merge failure"))

	entries, err := s.PendingEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "merge failure", entries[1].FailReason)
	assert.Equal(t, 1, entries[0].Attempts)

	n, err := s.ResetInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.RequeueFailed(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err = s.PendingEntries(ctx)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, journal.StatePending, e.State, e.String())
		assert.Empty(t, e.FailReason)
	}

	require.NoError(t, s.MarkInFlight(ctx, seqB))
	require.NoError(t, s.MarkPending(ctx, seqB))
	count, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func testListTransactions(t *testing.T, s store.Store) {
	ctx := context.Background()
	mk := func(user, category string, day int, kind transaction.Kind) *transaction.Transaction {
		txn := NewTransaction(user, int64(day*100))
		txn.Category = category
		txn.Kind = kind
		txn.Timestamp = epoch.AddDate(0, 0, day)
		_, err := s.RecordLocal(ctx, txn, journal.OpCreate)
		require.NoError(t, err)
		return txn
	}

	d1 := mk("u1", "food", 1, transaction.KindExpense)
	d2 := mk("u1", "rent", 2, transaction.KindExpense)
	d3 := mk("u1", "food", 3, transaction.KindIncome)
	mk("u2", "food", 4, transaction.KindExpense)

	_, _, err := s.MarkDeleted(ctx, d2.ID, epoch.Add(time.Hour))
	require.NoError(t, err)

	all, err := s.ListTransactions(ctx, transaction.ListOpts{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, d3.ID.String(), all[0].ID.String(), "newest first")
	assert.Equal(t, d1.ID.String(), all[1].ID.String())

	withDeleted, err := s.ListTransactions(ctx, transaction.ListOpts{UserID: "u1", IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, withDeleted, 3)

	food, err := s.ListTransactions(ctx, transaction.ListOpts{Category: "food", Kind: transaction.KindExpense})
	require.NoError(t, err)
	assert.Len(t, food, 2)

	ranged, err := s.ListTransactions(ctx, transaction.ListOpts{
		From: epoch.AddDate(0, 0, 2),
		To:   epoch.AddDate(0, 0, 4),
	})
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, d3.ID.String(), ranged[0].ID.String())

	paged, err := s.ListTransactions(ctx, transaction.ListOpts{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, d3.ID.String(), paged[0].ID.String())
}

func testListSince(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := NewTransaction("u1", 1)
	b := NewTransaction("u1", 2)
	_, err := s.RecordLocal(ctx, a, journal.OpCreate)
	require.NoError(t, err)
	_, err = s.RecordLocal(ctx, b, journal.OpCreate)
	require.NoError(t, err)
	_, err = s.RecordLocal(ctx, Next(a, nil), journal.OpUpdate)
	require.NoError(t, err)

	all, err := s.ListSince(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID.String(), all[0].ID.String(), "a moved to the end when it was rewritten")
	assert.Equal(t, a.ID.String(), all[1].ID.String())
	assert.Less(t, all[0].LocalSeq, all[1].LocalSeq)

	rest, err := s.ListSince(ctx, all[0].LocalSeq, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, a.ID.String(), rest[0].ID.String())

	none, err := s.ListSince(ctx, all[1].LocalSeq, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testPurgeTombstone(t *testing.T, s store.Store) {
	ctx := context.Background()
	txn := NewTransaction("u1", 500)
	_, err := s.RecordLocal(ctx, txn, journal.OpCreate)
	require.NoError(t, err)

	purged, err := s.PurgeTombstone(ctx, txn.ID)
	require.NoError(t, err)
	assert.False(t, purged, "live records are never purged")

	tomb, seq, err := s.MarkDeleted(ctx, txn.ID, epoch.Add(time.Minute))
	require.NoError(t, err)

	purged, err = s.PurgeTombstone(ctx, txn.ID)
	require.NoError(t, err)
	assert.False(t, purged, "unsynced tombstones are kept")

	require.NoError(t, s.MarkConfirmed(ctx, seq))
	_, err = s.Retire(ctx, txn.ID, seq)
	require.NoError(t, err)
	require.NoError(t, s.SetSynced(ctx, tomb))

	purged, err = s.PurgeTombstone(ctx, txn.ID)
	require.NoError(t, err)
	assert.True(t, purged)

	_, err = s.GetTransaction(ctx, txn.ID)
	assert.ErrorIs(t, err, ledgersync.ErrTransactionNotFound)
}

func testSyncState(t *testing.T, s store.Store) {
	ctx := context.Background()

	cursor, err := s.GetCursor(ctx)
	require.NoError(t, err)
	assert.Empty(t, cursor)

	require.NoError(t, s.SetCursor(ctx, "42"))
	cursor, err = s.GetCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, "42", cursor)

	dev1, err := s.DeviceID(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, dev1)
	dev2, err := s.DeviceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, dev1, dev2)

	assert.NoError(t, s.Ping(ctx))
}

func testConcurrentWriters(t *testing.T, s store.Store) {
	ctx := context.Background()
	const writers = 8

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			txn := NewTransaction(fmt.Sprintf("u%d", i), int64(i+1))
			if _, err := s.RecordLocal(ctx, txn, journal.OpCreate); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	entries, err := s.PendingEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, writers)
	seen := make(map[int64]bool)
	for i, e := range entries {
		assert.False(t, seen[e.Seq], "duplicate seq %d", e.Seq)
		seen[e.Seq] = true
		if i > 0 {
			assert.Greater(t, e.Seq, entries[i-1].Seq)
		}
	}
}
