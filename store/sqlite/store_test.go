package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/ledgersync"
	"github.com/xraph/ledgersync/journal"
	"github.com/xraph/ledgersync/store"
	"github.com/xraph/ledgersync/store/sqlite"
	"github.com/xraph/ledgersync/store/storetest"
)

func openStore(t *testing.T, path string) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s := openStore(t, filepath.Join(t.TempDir(), "ledger.db"))
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestMigrateIsRepeatable(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "ledger.db"))
	defer s.Close()

	require.NoError(t, s.Migrate(context.Background()))
}

func TestRecordLocalIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "ledger.db"))
	defer s.Close()

	_, err := s.DB().ExecContext(ctx, `
CREATE TRIGGER fail_journal BEFORE INSERT ON ledger_journal
BEGIN SELECT RAISE(ABORT, 'journal unavailable'); END`)
	require.NoError(t, err)

	txn := storetest.NewTransaction("u1", 500)
	_, err = s.RecordLocal(ctx, txn, journal.OpCreate)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledgersync.ErrStorage)
	assert.True(t, ledgersync.IsRetryable(err))

	_, err = s.GetTransaction(ctx, txn.ID)
	assert.ErrorIs(t, err, ledgersync.ErrTransactionNotFound)

	_, err = s.DB().ExecContext(ctx, `DROP TRIGGER fail_journal`)
	require.NoError(t, err)

	seq, err := s.RecordLocal(ctx, txn, journal.OpCreate)
	require.NoError(t, err)
	assert.Positive(t, seq)
}

func TestJournalSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	s := openStore(t, path)
	a := storetest.NewTransaction("u1", 100)
	b := storetest.NewTransaction("u1", 200)
	seqA, err := s.RecordLocal(ctx, a, journal.OpCreate)
	require.NoError(t, err)
	_, err = s.RecordLocal(ctx, b, journal.OpCreate)
	require.NoError(t, err)
	require.NoError(t, s.MarkInFlight(ctx, seqA))
	require.NoError(t, s.SetCursor(ctx, "42"))
	deviceID, err := s.DeviceID(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = openStore(t, path)
	defer s.Close()

	n, err := s.ResetInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err := s.PendingEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, a.ID, entries[0].TransactionID)
	assert.Equal(t, journal.StatePending, entries[0].State)
	assert.Equal(t, 1, entries[0].Attempts)

	cursor, err := s.GetCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, "42", cursor)

	again, err := s.DeviceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, deviceID, again)
}

func TestSeqNeverReused(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "ledger.db"))
	defer s.Close()

	txn := storetest.NewTransaction("u1", 100)
	seq, err := s.RecordLocal(ctx, txn, journal.OpCreate)
	require.NoError(t, err)
	require.NoError(t, s.MarkInFlight(ctx, seq))
	require.NoError(t, s.MarkConfirmed(ctx, seq))
	_, err = s.Retire(ctx, txn.ID, seq)
	require.NoError(t, err)

	next, err := s.RecordLocal(ctx, storetest.Next(txn, nil), journal.OpUpdate)
	require.NoError(t, err)
	assert.Greater(t, next, seq)
}

func TestTimesRoundTripExactly(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "ledger.db"))
	defer s.Close()

	at := time.Date(2024, 6, 1, 8, 0, 0, 123456789, time.UTC)
	txn := storetest.NewTransaction("u1", 100)
	txn.Timestamp = at
	txn.UpdatedAt = at

	_, err := s.RecordLocal(ctx, txn, journal.OpCreate)
	require.NoError(t, err)

	got, err := s.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.True(t, got.Timestamp.Equal(at))
	assert.True(t, got.UpdatedAt.Equal(at))
	assert.Equal(t, time.UTC, got.Timestamp.Location())
}
