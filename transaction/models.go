// Package transaction defines the ledger record that is kept in sync
// between the device and the remote store.
package transaction

import (
	"errors"
	"fmt"
	"time"

	"github.com/xraph/ledgersync/id"
	"github.com/xraph/ledgersync/types"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("transaction: invalid")

type Kind string

const (
	KindExpense Kind = "expense"
	KindIncome  Kind = "income"
)

type Transaction struct {
	types.Entity
	ID        id.TransactionID `json:"id"`
	UserID    string           `json:"user_id"`
	Amount    types.Money      `json:"amount"`
	Kind      Kind             `json:"kind"`
	Category  string           `json:"category"`
	Timestamp time.Time        `json:"timestamp"`
	Note      string           `json:"note"`
	Version   int64            `json:"version"`
	Deleted   bool             `json:"deleted"`

	// Device-local bookkeeping. Never pushed, never merged.
	RemoteVersion int64 `json:"remote_version"`
	LocalSeq      int64 `json:"local_seq"`
}

type ListOpts struct {
	UserID         string
	Category       string
	Kind           Kind
	From           time.Time // inclusive, zero = unbounded
	To             time.Time // exclusive, zero = unbounded
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// Validate checks the invariants every stored record must satisfy.
func (t *Transaction) Validate() error {
	switch {
	case t == nil:
		return fmt.Errorf("%w: nil transaction", ErrInvalid)
	case t.ID.IsNil():
		return fmt.Errorf("%w: missing id", ErrInvalid)
	case t.ID.Prefix() != id.PrefixTransaction:
		return fmt.Errorf("%w: id %q is not a transaction id", ErrInvalid, t.ID)
	case t.Version < 1:
		return fmt.Errorf("%w: version %d must be positive", ErrInvalid, t.Version)
	case t.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrInvalid)
	case t.UpdatedAt.IsZero():
		return fmt.Errorf("%w: missing updated_at", ErrInvalid)
	case t.Kind != KindExpense && t.Kind != KindIncome:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, t.Kind)
	}
	if err := t.Amount.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// SameContent reports whether both records carry the same user-visible
// state, ignoring versions and bookkeeping.
func (t *Transaction) SameContent(other *Transaction) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.ID.String() == other.ID.String() &&
		t.UserID == other.UserID &&
		t.Amount.Equal(other.Amount) &&
		t.Kind == other.Kind &&
		t.Category == other.Category &&
		t.Timestamp.Equal(other.Timestamp) &&
		t.Note == other.Note &&
		t.Deleted == other.Deleted
}

// Signed returns the amount with expenses negated, as balances use it.
func (t *Transaction) Signed() types.Money {
	if t.Kind == KindExpense {
		return t.Amount.Negate()
	}
	return t.Amount
}

// Matches reports whether t passes the filters in opts, ignoring paging.
func (o ListOpts) Matches(t *Transaction) bool {
	if t.Deleted && !o.IncludeDeleted {
		return false
	}
	if o.UserID != "" && t.UserID != o.UserID {
		return false
	}
	if o.Category != "" && t.Category != o.Category {
		return false
	}
	if o.Kind != "" && t.Kind != o.Kind {
		return false
	}
	if !o.From.IsZero() && t.Timestamp.Before(o.From) {
		return false
	}
	if !o.To.IsZero() && !t.Timestamp.Before(o.To) {
		return false
	}
	return true
}
