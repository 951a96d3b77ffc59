package audithook

// Action constants for audit events.
const (
	// Local mutation actions
	ActionTransactionCreated = "transaction.created"
	ActionTransactionUpdated = "transaction.updated"
	ActionTransactionDeleted = "transaction.deleted"

	// Sync actions
	ActionPushAccepted     = "sync.push_accepted"
	ActionRemoteApplied    = "sync.remote_applied"
	ActionConflictResolved = "sync.conflict_resolved"
	ActionMergeFailed      = "sync.merge_failed"
	ActionTransportFault   = "sync.transport_fault"
	ActionTombstonePurged  = "sync.tombstone_purged"
	ActionCycleFailed      = "sync.cycle_failed"
)

// Resource constants for audit events.
const (
	ResourceTransaction = "transaction"
	ResourceRemote      = "remote"
	ResourceCycle       = "sync_cycle"
)

// Category constants for audit events.
const (
	CategoryLedger      = "ledger"
	CategorySync        = "sync"
	CategoryIntegration = "integration"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
