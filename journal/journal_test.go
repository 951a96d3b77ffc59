package journal_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/ledgersync/id"
	"github.com/xraph/ledgersync/journal"
)

func entry(seq int64, txn id.ID, op journal.Operation, version int64, state journal.PushState) *journal.Entry {
	return &journal.Entry{Seq: seq, TransactionID: txn, Operation: op, PayloadVersion: version, State: state}
}

func TestCoalesceKeepsLatestPerRecord(t *testing.T) {
	a := id.NewTransactionID()
	b := id.NewTransactionID()

	batches := journal.Coalesce([]*journal.Entry{
		entry(1, a, journal.OpCreate, 1, journal.StatePending),
		entry(2, b, journal.OpCreate, 1, journal.StatePending),
		entry(3, a, journal.OpUpdate, 2, journal.StatePending),
		entry(4, a, journal.OpUpdate, 3, journal.StatePending),
	})

	require.Len(t, batches, 2)
	assert.Equal(t, a.String(), batches[0].TransactionID.String(), "first-edited record is pushed first")
	assert.Equal(t, []int64{1, 3, 4}, batches[0].Seqs())
	assert.Equal(t, int64(3), batches[0].Latest().PayloadVersion)
	assert.Equal(t, int64(4), batches[0].Latest().Seq)

	assert.Equal(t, []int64{2}, batches[1].Seqs())
}

func TestCoalesceEmpty(t *testing.T) {
	assert.Empty(t, journal.Coalesce(nil))
}

func TestBatchPushable(t *testing.T) {
	txn := id.NewTransactionID()

	parked := journal.Batch{TransactionID: txn, Entries: []*journal.Entry{
		entry(1, txn, journal.OpUpdate, 2, journal.StateFailed),
	}}
	assert.False(t, parked.Pushable())

	resumed := journal.Batch{TransactionID: txn, Entries: []*journal.Entry{
		entry(1, txn, journal.OpUpdate, 2, journal.StateFailed),
		entry(2, txn, journal.OpUpdate, 3, journal.StatePending),
	}}
	assert.True(t, resumed.Pushable())

	crashed := journal.Batch{TransactionID: txn, Entries: []*journal.Entry{
		entry(1, txn, journal.OpCreate, 1, journal.StateInFlight),
	}}
	assert.True(t, crashed.Pushable())
}

func TestOperationValid(t *testing.T) {
	for _, op := range []journal.Operation{journal.OpCreate, journal.OpUpdate, journal.OpDelete} {
		assert.True(t, op.Valid(), op)
	}
	assert.False(t, journal.Operation("upsert").Valid())
}
