// Package journal models the change journal: an append-only log of local
// mutations that have not yet been confirmed by the remote store.
//
// Entries are appended in the same storage transaction as the record write
// that produced them, so a record and its journal entry either both exist
// or neither does.
package journal

import (
	"errors"
	"fmt"
	"time"

	"github.com/xraph/ledgersync/id"
)

// ErrAlreadyInFlight is returned by MarkInFlight when another entry for the
// same transaction is already being pushed.
var ErrAlreadyInFlight = errors.New("journal: push already in flight for transaction")

// ErrEntryNotFound is returned when a sequence number is unknown.
var ErrEntryNotFound = errors.New("journal: entry not found")

// Operation is the kind of local mutation an entry records.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// PushState tracks an entry through the push path.
type PushState string

const (
	StatePending   PushState = "pending"
	StateInFlight  PushState = "in_flight"
	StateConfirmed PushState = "confirmed"
	// StateFailed entries are parked until someone requeues them; the
	// reconciler does not retry them on its own.
	StateFailed PushState = "failed"
)

// Entry is one journaled local mutation.
type Entry struct {
	Seq            int64            `json:"seq"`
	TransactionID  id.TransactionID `json:"transaction_id"`
	Operation      Operation        `json:"operation"`
	PayloadVersion int64            `json:"payload_version"`
	State          PushState        `json:"state"`
	FailReason     string           `json:"fail_reason,omitempty"`
	Attempts       int              `json:"attempts"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

func (e *Entry) String() string {
	return fmt.Sprintf("#%d %s %s v%d [%s]", e.Seq, e.Operation, e.TransactionID, e.PayloadVersion, e.State)
}

// Batch is the coalesced view of every outstanding entry for one
// transaction. Only the latest state is ever pushed.
type Batch struct {
	TransactionID id.TransactionID
	Entries       []*Entry // ascending seq
}

// Latest returns the newest entry of the batch.
func (b Batch) Latest() *Entry {
	return b.Entries[len(b.Entries)-1]
}

// Seqs returns the sequence numbers in the batch.
func (b Batch) Seqs() []int64 {
	seqs := make([]int64, len(b.Entries))
	for i, e := range b.Entries {
		seqs[i] = e.Seq
	}
	return seqs
}

// Pushable reports whether the batch holds at least one entry the
// reconciler should act on. Batches made only of failed entries are parked.
func (b Batch) Pushable() bool {
	for _, e := range b.Entries {
		if e.State != StateFailed && e.State != StateConfirmed {
			return true
		}
	}
	return false
}

// Coalesce groups entries by transaction. Batches are ordered by the
// lowest seq they contain, so the record edited first is pushed first.
// The input must be sorted by ascending seq.
func Coalesce(entries []*Entry) []Batch {
	index := make(map[string]int)
	var batches []Batch
	for _, e := range entries {
		key := e.TransactionID.String()
		i, ok := index[key]
		if !ok {
			i = len(batches)
			index[key] = i
			batches = append(batches, Batch{TransactionID: e.TransactionID})
		}
		batches[i].Entries = append(batches[i].Entries, e)
	}
	return batches
}
