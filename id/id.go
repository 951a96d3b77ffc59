// Package id defines TypeID-based identity types for ledgersync records.
//
// Transactions are identified client-side, before the remote store has
// ever seen them, so identifiers must be globally unique without
// coordination. IDs are K-sortable (UUIDv7-based) and URL-safe in the
// format "prefix_suffix".
package id

import (
	"database/sql/driver"
	"fmt"
	"strings"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in a TypeID.
type Prefix string

// Prefix constants for ledgersync entity types.
const (
	PrefixTransaction Prefix = "txn"  // Ledger transaction
	PrefixSyncCycle   Prefix = "sync" // One reconciliation cycle, for log correlation
)

// ID is a prefixed TypeID. The zero value is Nil and is never assigned to a
// stored record.
//
//nolint:recvcheck // pointer receivers only where the ID is decoded in place
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// New generates an ID with the given prefix. An invalid prefix is a
// programming error and panics.
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}

	return ID{inner: tid, valid: true}
}

// Parse parses a TypeID string (e.g., "txn_01h2xcejqtf2nbrexx3vqjhp41").
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}

	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}

	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix parses a TypeID string and validates that its prefix
// matches the expected value.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}

	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}

	return parsed, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) ID {
	parsed, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("id: must parse %q: %v", s, err))
	}

	return parsed
}

// TransactionID is a type-safe identifier for transactions (prefix: "txn").
type TransactionID = ID

// SyncCycleID identifies a single reconciliation cycle (prefix: "sync").
type SyncCycleID = ID

// NewTransactionID generates a new unique transaction ID.
func NewTransactionID() ID { return New(PrefixTransaction) }

// NewSyncCycleID generates a new unique sync cycle ID.
func NewSyncCycleID() ID { return New(PrefixSyncCycle) }

// ParseTransactionID parses a string and validates the "txn" prefix.
func ParseTransactionID(s string) (ID, error) { return ParseWithPrefix(s, PrefixTransaction) }

// String returns "prefix_suffix", or "" for Nil.
func (i ID) String() string {
	if !i.valid {
		return ""
	}

	return i.inner.String()
}

// Prefix returns the entity prefix, or "" for Nil.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}

	return Prefix(i.inner.Prefix())
}

// IsNil reports whether i is the zero value.
func (i ID) IsNil() bool {
	return !i.valid
}

// Compare orders IDs by their string form, which for a shared prefix is
// creation order. Nil sorts first.
func (i ID) Compare(other ID) int {
	return strings.Compare(i.String(), other.String())
}

// MarshalText implements encoding.TextMarshaler. The Nil ID marshals to
// an empty string.
func (i ID) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(data []byte) error {
	return i.set(string(data))
}

// Value implements driver.Valuer. The Nil ID is stored as NULL.
func (i ID) Value() (driver.Value, error) {
	if i.IsNil() {
		return nil, nil //nolint:nilnil // NULL column
	}

	return i.String(), nil
}

// Scan implements sql.Scanner. NULL and empty text scan to Nil.
func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*i = Nil
		return nil
	case string:
		return i.set(v)
	case []byte:
		return i.set(string(v))
	default:
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}

func (i *ID) set(s string) error {
	if s == "" {
		*i = Nil
		return nil
	}

	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*i = parsed

	return nil
}
