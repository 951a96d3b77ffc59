// Package remote defines the Remote Ledger Client: the narrow boundary
// between the sync engine and the authoritative cloud document store.
//
// Push is a conditional write. It returns nil when the remote accepted the
// record, a *ledgersync.RemoteConflict when the version precondition did not
// hold, and a *ledgersync.TransportFault for network and credential
// failures. A transport fault never implies a conflict.
package remote

import (
	"context"
	"errors"
	"strconv"

	"github.com/xraph/ledgersync/transaction"
)

// Client talks to the remote ledger.
type Client interface {
	// Push writes t if the remote version equals expectedRemoteVersion.
	// An expected version of 0 means the record must not exist remotely.
	Push(ctx context.Context, t *transaction.Transaction, expectedRemoteVersion int64) error

	// PullChangesSince returns up to limit changes after cursor in remote
	// change order, and the cursor to resume from. An empty cursor reads
	// from the beginning.
	PullChangesSince(ctx context.Context, cursor string, limit int) ([]Change, string, error)
}

// Watcher is implemented by clients that can signal remote changes as they
// happen. Each value on the channel means "pull now"; the channel closes
// when ctx is done or the stream breaks.
type Watcher interface {
	Watch(ctx context.Context) (<-chan struct{}, error)
}

// Change is one remote mutation in change-sequence order.
type Change struct {
	Seq         int64                    `json:"seq"`
	Transaction *transaction.Transaction `json:"transaction"`
	// Origin is the device id that wrote the change, when known.
	Origin string `json:"origin,omitempty"`
}

// TokenSource supplies the credential attached to each remote request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

// Token implements TokenSource.
func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticToken is a fixed credential.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// ErrInvalidCursor is returned for cursors a client did not issue.
var ErrInvalidCursor = errors.New("ledgersync/remote: invalid cursor")

// ParseCursor decodes the decimal sequence cursors issued by the shipped
// clients. The empty cursor is sequence 0.
func ParseCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || seq < 0 {
		return 0, ErrInvalidCursor
	}
	return seq, nil
}

// FormatCursor encodes seq as a cursor.
func FormatCursor(seq int64) string {
	if seq <= 0 {
		return ""
	}
	return strconv.FormatInt(seq, 10)
}
