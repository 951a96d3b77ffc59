// Package memory provides an in-process Local Ledger Store. State lives in
// maps guarded by one mutex, so every method is trivially atomic.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xraph/ledgersync"
	"github.com/xraph/ledgersync/id"
	"github.com/xraph/ledgersync/journal"
	"github.com/xraph/ledgersync/store"
	"github.com/xraph/ledgersync/transaction"
)

var _ store.Store = (*Store)(nil)

type row struct {
	txn  *transaction.Transaction
	base *transaction.Transaction
}

type Store struct {
	mu sync.RWMutex

	rows     map[string]*row
	localSeq int64

	entries []*journal.Entry
	nextSeq int64

	cursor   string
	deviceID string
	closed   bool

	now func() time.Time
}

func New() *Store {
	return &Store{
		rows:    make(map[string]*row),
		nextSeq: 1,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ──────────────────────────────────────────────────
// Atomic local mutations
// ──────────────────────────────────────────────────

func (s *Store) RecordLocal(_ context.Context, t *transaction.Transaction, op journal.Operation) (int64, error) {
	if !op.Valid() {
		return 0, fmt.Errorf("%w: journal operation %q", ledgersync.ErrInvalidInput, op)
	}
	if err := t.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.recordLocked(t, op)
}

func (s *Store) recordLocked(t *transaction.Transaction, op journal.Operation) (int64, error) {
	key := t.ID.String()
	r, exists := s.rows[key]
	if exists && t.Version <= r.txn.Version {
		return 0, fmt.Errorf("%w: %s v%d <= stored v%d", ledgersync.ErrStaleVersion, key, t.Version, r.txn.Version)
	}

	stored := t.Clone()
	stored.RemoteVersion = 0
	if exists {
		stored.RemoteVersion = r.txn.RemoteVersion
	} else {
		r = &row{}
		s.rows[key] = r
	}
	s.localSeq++
	stored.LocalSeq = s.localSeq
	r.txn = stored

	now := s.now()
	seq := s.nextSeq
	s.nextSeq++
	s.entries = append(s.entries, &journal.Entry{
		Seq:            seq,
		TransactionID:  t.ID,
		Operation:      op,
		PayloadVersion: t.Version,
		State:          journal.StatePending,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	return seq, nil
}

func (s *Store) MarkDeleted(_ context.Context, txnID id.TransactionID, at time.Time) (*transaction.Transaction, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[txnID.String()]
	if !ok {
		return nil, 0, ledgersync.ErrTransactionNotFound
	}
	if r.txn.Deleted {
		return r.txn.Clone(), 0, nil
	}

	tomb := r.txn.Clone()
	tomb.Deleted = true
	tomb.Version++
	tomb.Touch(at)

	seq, err := s.recordLocked(tomb, journal.OpDelete)
	if err != nil {
		return nil, 0, err
	}
	return r.txn.Clone(), seq, nil
}

// ──────────────────────────────────────────────────
// Transaction methods
// ──────────────────────────────────────────────────

func (s *Store) GetTransaction(_ context.Context, txnID id.TransactionID) (*transaction.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.rows[txnID.String()]; ok {
		return r.txn.Clone(), nil
	}
	return nil, ledgersync.ErrTransactionNotFound
}

func (s *Store) ListTransactions(_ context.Context, opts transaction.ListOpts) ([]*transaction.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*transaction.Transaction
	for _, r := range s.rows {
		if opts.Matches(r.txn) {
			result = append(result, r.txn.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].Timestamp.After(result[j].Timestamp)
		}
		return result[i].ID.Compare(result[j].ID) < 0
	})

	return page(result, opts.Offset, opts.Limit), nil
}

func (s *Store) ListSince(_ context.Context, afterLocalSeq int64, limit int) ([]*transaction.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*transaction.Transaction
	for _, r := range s.rows {
		if r.txn.LocalSeq > afterLocalSeq {
			result = append(result, r.txn.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].LocalSeq < result[j].LocalSeq })

	return page(result, 0, limit), nil
}

func (s *Store) ApplyRemote(_ context.Context, t *transaction.Transaction) (bool, error) {
	if err := t.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := t.ID.String()
	r, exists := s.rows[key]
	if exists && t.Version <= r.txn.Version {
		return false, nil
	}
	if !exists {
		r = &row{}
		s.rows[key] = r
	}

	stored := t.Clone()
	stored.RemoteVersion = t.Version
	s.localSeq++
	stored.LocalSeq = s.localSeq
	r.txn = stored
	r.base = t.Clone()
	return true, nil
}

func (s *Store) SetSynced(_ context.Context, remote *transaction.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[remote.ID.String()]
	if !ok {
		return ledgersync.ErrTransactionNotFound
	}
	if remote.Version < r.txn.RemoteVersion {
		return nil
	}
	r.txn.RemoteVersion = remote.Version
	r.base = remote.Clone()
	return nil
}

func (s *Store) GetBase(_ context.Context, txnID id.TransactionID) (*transaction.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rows[txnID.String()]
	if !ok {
		return nil, ledgersync.ErrTransactionNotFound
	}
	return r.base.Clone(), nil
}

func (s *Store) PurgeTombstone(_ context.Context, txnID id.TransactionID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := txnID.String()
	r, ok := s.rows[key]
	if !ok || !r.txn.Deleted || r.txn.RemoteVersion < r.txn.Version {
		return false, nil
	}
	for _, e := range s.entries {
		if e.TransactionID.String() == key {
			return false, nil
		}
	}
	delete(s.rows, key)
	return true, nil
}

// ──────────────────────────────────────────────────
// Journal methods
// ──────────────────────────────────────────────────

func (s *Store) PendingEntries(_ context.Context) ([]*journal.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*journal.Entry, len(s.entries))
	for i, e := range s.entries {
		c := *e
		result[i] = &c
	}
	return result, nil
}

func (s *Store) EntriesFor(_ context.Context, txnID id.TransactionID) ([]*journal.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*journal.Entry
	for _, e := range s.entries {
		if e.TransactionID.String() == txnID.String() {
			c := *e
			result = append(result, &c)
		}
	}
	return result, nil
}

func (s *Store) MarkInFlight(_ context.Context, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entryLocked(seq)
	if e == nil {
		return journal.ErrEntryNotFound
	}
	for _, other := range s.entries {
		if other.Seq != seq && other.State == journal.StateInFlight &&
			other.TransactionID.String() == e.TransactionID.String() {
			return fmt.Errorf("%w: %s (seq %d)", journal.ErrAlreadyInFlight, e.TransactionID, other.Seq)
		}
	}
	e.State = journal.StateInFlight
	e.Attempts++
	e.UpdatedAt = s.now()
	return nil
}

func (s *Store) MarkConfirmed(_ context.Context, seq int64) error {
	return s.setState(seq, journal.StateConfirmed, "")
}

func (s *Store) MarkFailed(_ context.Context, seq int64, reason string) error {
	return s.setState(seq, journal.StateFailed, reason)
}

func (s *Store) MarkPending(_ context.Context, seq int64) error {
	return s.setState(seq, journal.StatePending, "")
}

func (s *Store) setState(seq int64, state journal.PushState, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entryLocked(seq)
	if e == nil {
		return journal.ErrEntryNotFound
	}
	e.State = state
	e.FailReason = reason
	e.UpdatedAt = s.now()
	return nil
}

func (s *Store) Retire(_ context.Context, txnID id.TransactionID, throughSeq int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entryLocked(throughSeq)
	if e == nil || e.TransactionID.String() != txnID.String() {
		return 0, journal.ErrEntryNotFound
	}
	if e.State != journal.StateConfirmed {
		return 0, fmt.Errorf("%w: seq %d is %s", ledgersync.ErrNotConfirmed, throughSeq, e.State)
	}

	key := txnID.String()
	kept := s.entries[:0]
	retired := 0
	for _, entry := range s.entries {
		if entry.TransactionID.String() == key && entry.Seq <= throughSeq {
			retired++
			continue
		}
		kept = append(kept, entry)
	}
	s.entries = kept
	return retired, nil
}

func (s *Store) ResetInFlight(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.entries {
		if e.State == journal.StateInFlight {
			e.State = journal.StatePending
			n++
		}
	}
	return n, nil
}

func (s *Store) RequeueFailed(_ context.Context, txnID id.TransactionID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.entries {
		if e.State == journal.StateFailed && e.TransactionID.String() == txnID.String() {
			e.State = journal.StatePending
			e.FailReason = ""
			n++
		}
	}
	return n, nil
}

func (s *Store) PendingCount(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.entries {
		if e.State != journal.StateConfirmed {
			n++
		}
	}
	return n, nil
}

func (s *Store) HasPending(_ context.Context, txnID id.TransactionID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.entries {
		if e.State != journal.StateConfirmed && e.TransactionID.String() == txnID.String() {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) entryLocked(seq int64) *journal.Entry {
	i := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].Seq >= seq })
	if i < len(s.entries) && s.entries[i].Seq == seq {
		return s.entries[i]
	}
	return nil
}

// ──────────────────────────────────────────────────
// Sync state and lifecycle
// ──────────────────────────────────────────────────

func (s *Store) GetCursor(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor, nil
}

func (s *Store) SetCursor(_ context.Context, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = cursor
	return nil
}

func (s *Store) DeviceID(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deviceID == "" {
		s.deviceID = uuid.NewString()
	}
	return s.deviceID, nil
}

func (s *Store) Migrate(_ context.Context) error { return nil }

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ledgersync.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func page(items []*transaction.Transaction, offset, limit int) []*transaction.Transaction {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
