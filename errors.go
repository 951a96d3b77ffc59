package ledgersync

import (
	"errors"
	"fmt"

	"github.com/xraph/ledgersync/journal"
	"github.com/xraph/ledgersync/resolve"
	"github.com/xraph/ledgersync/transaction"
)

// Sentinel errors for common failure scenarios.
var (
	ErrNotFound     = errors.New("ledgersync: not found")
	ErrInvalidInput = errors.New("ledgersync: invalid input")

	// Record errors
	ErrTransactionNotFound = errors.New("ledgersync: transaction not found")
	ErrStaleVersion        = errors.New("ledgersync: version does not advance stored version")
	ErrInvalidTransaction  = transaction.ErrInvalid

	// Journal errors
	ErrJournalEntryNotFound = journal.ErrEntryNotFound
	ErrAlreadyInFlight      = journal.ErrAlreadyInFlight
	ErrNotConfirmed         = errors.New("ledgersync: journal entry is not confirmed")

	// Fault classes. Each typed fault below matches one of these with errors.Is.
	ErrStorage      = errors.New("ledgersync: storage fault")
	ErrTransport    = errors.New("ledgersync: transport fault")
	ErrUnauthorized = errors.New("ledgersync: unauthorized")
	ErrConflict     = errors.New("ledgersync: remote conflict")
	ErrMergeFailure = resolve.ErrMergeFailure

	// Lifecycle errors
	ErrStoreClosed     = errors.New("ledgersync: store is closed")
	ErrEngineStopped   = errors.New("ledgersync: engine is stopped")
	ErrEngineStarted   = errors.New("ledgersync: engine already started")
	ErrMigrationFailed = errors.New("ledgersync: migration failed")
)

// StorageFault is a local I/O failure. The operation can be retried; no
// partial state was written.
type StorageFault struct {
	Op  string
	Err error
}

func (e *StorageFault) Error() string {
	return fmt.Sprintf("ledgersync: storage fault during %s: %v", e.Op, e.Err)
}

func (e *StorageFault) Unwrap() error { return e.Err }

func (e *StorageFault) Is(target error) bool { return target == ErrStorage }

// NewStorageFault wraps err unless it is nil or already a domain error
// that callers match on directly.
func NewStorageFault(op string, err error) error {
	if err == nil {
		return nil
	}
	var sf *StorageFault
	if errors.As(err, &sf) {
		return err
	}
	return &StorageFault{Op: op, Err: err}
}

// TransportFault is a failure talking to the remote store. Unauthorized
// faults need fresh credentials before a retry can succeed.
type TransportFault struct {
	Op           string
	Unauthorized bool
	Err          error
}

func (e *TransportFault) Error() string {
	kind := "transport fault"
	if e.Unauthorized {
		kind = "unauthorized"
	}
	return fmt.Sprintf("ledgersync: %s during %s: %v", kind, e.Op, e.Err)
}

func (e *TransportFault) Unwrap() error { return e.Err }

func (e *TransportFault) Is(target error) bool {
	return target == ErrTransport || (e.Unauthorized && target == ErrUnauthorized)
}

// RemoteConflict is an optimistic-concurrency rejection. Current is the
// record the remote store holds, or nil when it holds none.
type RemoteConflict struct {
	Expected int64
	Current  *transaction.Transaction
}

func (e *RemoteConflict) Error() string {
	if e.Current == nil {
		return fmt.Sprintf("ledgersync: remote conflict: expected version %d, remote has no record", e.Expected)
	}
	return fmt.Sprintf("ledgersync: remote conflict on %s: expected version %d, remote at %d",
		e.Current.ID, e.Expected, e.Current.Version)
}

func (e *RemoteConflict) Is(target error) bool { return target == ErrConflict }

// MergeError is re-exported from the resolve package.
type MergeError = resolve.MergeError

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrJournalEntryNotFound)
}

// IsRetryable returns true for faults a later sync cycle can recover from.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrStorage)
}

// IsUnauthorized returns true if the error requires re-authentication.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// AsConflict extracts a RemoteConflict from err.
func AsConflict(err error) (*RemoteConflict, bool) {
	var rc *RemoteConflict
	if errors.As(err, &rc) {
		return rc, true
	}
	return nil, false
}
