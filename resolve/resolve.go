// Package resolve merges a locally modified transaction with a concurrently
// modified remote copy of the same transaction.
//
// Fields changed on only one side keep that side's value when the common
// ancestor (the last remote snapshot the device saw) is known. Fields
// changed on both sides, or compared without an ancestor, take the value
// from the side with the later UpdatedAt; the remote side wins exact ties.
// An edit always beats a concurrent delete.
package resolve

import (
	"errors"
	"fmt"
	"time"

	"github.com/xraph/ledgersync/transaction"
)

// ErrMergeFailure is matched by every *MergeError.
var ErrMergeFailure = errors.New("resolve: merge failure")

// MergeError reports a merge that would violate a record invariant.
type MergeError struct {
	TransactionID string
	Reason        string
	Err           error
}

func (e *MergeError) Error() string {
	msg := fmt.Sprintf("resolve: merge failure for %s: %s", e.TransactionID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MergeError) Unwrap() error { return e.Err }

func (e *MergeError) Is(target error) bool { return target == ErrMergeFailure }

// Func is the resolver signature the reconciler calls. base may be nil.
type Func func(base, local, remote *transaction.Transaction) (*transaction.Transaction, error)

// Resolve merges local and remote without a common ancestor.
func Resolve(local, remote *transaction.Transaction) (*transaction.Transaction, error) {
	return ResolveWithBase(nil, local, remote)
}

// ResolveWithBase merges local and remote using base as their common
// ancestor. The merged version is max(local, remote) + 1 and its
// RemoteVersion is remote's, so it can be pushed with remote.Version as
// the expected version.
func ResolveWithBase(base, local, remote *transaction.Transaction) (*transaction.Transaction, error) {
	if local == nil || remote == nil {
		return nil, &MergeError{Reason: "missing side"}
	}
	txnID := local.ID.String()
	if txnID != remote.ID.String() {
		return nil, &MergeError{TransactionID: txnID, Reason: fmt.Sprintf("remote id %s does not match", remote.ID)}
	}
	if base != nil && base.ID.String() != txnID {
		base = nil
	}
	if base != nil && remote.Version < base.Version {
		return nil, &MergeError{
			TransactionID: txnID,
			Reason:        fmt.Sprintf("remote version %d regressed below known version %d", remote.Version, base.Version),
		}
	}

	localWins := local.UpdatedAt.After(remote.UpdatedAt)

	var merged *transaction.Transaction
	if local.Deleted != remote.Deleted {
		merged = resolveDeletion(base, local, remote)
	} else {
		merged = local.Clone()
		for _, f := range fields {
			src := remote
			if chooseLocal(f, base, local, remote, localWins) {
				src = local
			}
			f.copy(merged, src)
		}
		merged.Deleted = local.Deleted
	}

	merged.Version = max(local.Version, remote.Version) + 1
	merged.UpdatedAt = local.UpdatedAt
	if remote.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = remote.UpdatedAt
	}
	merged.CreatedAt = earliest(local.CreatedAt, remote.CreatedAt)
	merged.RemoteVersion = remote.Version
	merged.LocalSeq = local.LocalSeq

	if err := merged.Validate(); err != nil {
		return nil, &MergeError{TransactionID: txnID, Reason: "merged record is invalid", Err: err}
	}
	return merged, nil
}

// resolveDeletion handles one side deleted, the other not. The surviving
// edit wins unless the ancestor shows the surviving side never changed.
func resolveDeletion(base, local, remote *transaction.Transaction) *transaction.Transaction {
	deleted, edited := local, remote
	if remote.Deleted {
		deleted, edited = remote, local
	}

	if base != nil && !base.Deleted && edited.SameContent(base) {
		out := local.Clone()
		copyContent(out, deleted)
		out.Deleted = true
		return out
	}

	out := local.Clone()
	copyContent(out, edited)
	out.Deleted = false
	return out
}

func chooseLocal(f field, base, local, remote *transaction.Transaction, localWins bool) bool {
	if base != nil {
		localChanged := !f.equal(local, base)
		remoteChanged := !f.equal(remote, base)
		switch {
		case localChanged && !remoteChanged:
			return true
		case remoteChanged && !localChanged:
			return false
		case !localChanged && !remoteChanged:
			return false
		}
	}
	return localWins
}

type field struct {
	name  string
	equal func(a, b *transaction.Transaction) bool
	copy  func(dst, src *transaction.Transaction)
}

// Amount and currency merge as one field; mixing one side's amount with
// the other side's currency would produce a value nobody entered.
var fields = []field{
	{
		name:  "user_id",
		equal: func(a, b *transaction.Transaction) bool { return a.UserID == b.UserID },
		copy:  func(dst, src *transaction.Transaction) { dst.UserID = src.UserID },
	},
	{
		name:  "amount",
		equal: func(a, b *transaction.Transaction) bool { return a.Amount.Equal(b.Amount) },
		copy:  func(dst, src *transaction.Transaction) { dst.Amount = src.Amount },
	},
	{
		name:  "kind",
		equal: func(a, b *transaction.Transaction) bool { return a.Kind == b.Kind },
		copy:  func(dst, src *transaction.Transaction) { dst.Kind = src.Kind },
	},
	{
		name:  "category",
		equal: func(a, b *transaction.Transaction) bool { return a.Category == b.Category },
		copy:  func(dst, src *transaction.Transaction) { dst.Category = src.Category },
	},
	{
		name:  "timestamp",
		equal: func(a, b *transaction.Transaction) bool { return a.Timestamp.Equal(b.Timestamp) },
		copy:  func(dst, src *transaction.Transaction) { dst.Timestamp = src.Timestamp },
	},
	{
		name:  "note",
		equal: func(a, b *transaction.Transaction) bool { return a.Note == b.Note },
		copy:  func(dst, src *transaction.Transaction) { dst.Note = src.Note },
	},
}

func copyContent(dst, src *transaction.Transaction) {
	for _, f := range fields {
		f.copy(dst, src)
	}
}

// Diff returns the names of the content fields that differ between a and b.
func Diff(a, b *transaction.Transaction) []string {
	var out []string
	for _, f := range fields {
		if !f.equal(a, b) {
			out = append(out, f.name)
		}
	}
	if a.Deleted != b.Deleted {
		out = append(out, "deleted")
	}
	return out
}

func earliest(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case b.Before(a):
		return b
	}
	return a
}
