// Package audithook bridges sync engine events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not depend on
// any audit backend. Callers inject a RecorderFunc adapter at wiring time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/ledgersync/journal"
	"github.com/xraph/ledgersync/plugin"
	"github.com/xraph/ledgersync/resolve"
	"github.com/xraph/ledgersync/transaction"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                = (*Extension)(nil)
	_ plugin.OnTransactionRecorded = (*Extension)(nil)
	_ plugin.OnTransactionDeleted  = (*Extension)(nil)
	_ plugin.OnPushAccepted        = (*Extension)(nil)
	_ plugin.OnRemoteApplied       = (*Extension)(nil)
	_ plugin.OnConflictResolved    = (*Extension)(nil)
	_ plugin.OnMergeFailed         = (*Extension)(nil)
	_ plugin.OnTransportFault      = (*Extension)(nil)
	_ plugin.OnTombstonePurged     = (*Extension)(nil)
	_ plugin.OnSyncCompleted       = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one audit trail entry.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges sync engine events to an audit trail backend.
type Extension struct {
	recorder Recorder
	only     map[string]struct{} // nil means every action
	skip     map[string]struct{}
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Local mutation hooks
// ──────────────────────────────────────────────────

// OnTransactionRecorded implements plugin.OnTransactionRecorded.
func (e *Extension) OnTransactionRecorded(ctx context.Context, t *transaction.Transaction, op journal.Operation) error {
	action := ActionTransactionUpdated
	if op == journal.OpCreate {
		action = ActionTransactionCreated
	}
	return e.record(ctx, action, SeverityInfo, OutcomeSuccess,
		ResourceTransaction, t.ID.String(), CategoryLedger, nil,
		"user_id", t.UserID,
		"version", t.Version,
		"amount", t.Amount.String(),
	)
}

// OnTransactionDeleted implements plugin.OnTransactionDeleted.
func (e *Extension) OnTransactionDeleted(ctx context.Context, t *transaction.Transaction) error {
	return e.record(ctx, ActionTransactionDeleted, SeverityInfo, OutcomeSuccess,
		ResourceTransaction, t.ID.String(), CategoryLedger, nil,
		"user_id", t.UserID,
		"version", t.Version,
	)
}

// ──────────────────────────────────────────────────
// Sync hooks
// ──────────────────────────────────────────────────

// OnPushAccepted implements plugin.OnPushAccepted.
func (e *Extension) OnPushAccepted(ctx context.Context, t *transaction.Transaction) error {
	return e.record(ctx, ActionPushAccepted, SeverityInfo, OutcomeSuccess,
		ResourceTransaction, t.ID.String(), CategorySync, nil,
		"version", t.Version,
		"deleted", t.Deleted,
	)
}

// OnRemoteApplied implements plugin.OnRemoteApplied.
func (e *Extension) OnRemoteApplied(ctx context.Context, t *transaction.Transaction) error {
	return e.record(ctx, ActionRemoteApplied, SeverityInfo, OutcomeSuccess,
		ResourceTransaction, t.ID.String(), CategorySync, nil,
		"version", t.Version,
		"deleted", t.Deleted,
	)
}

// OnConflictResolved implements plugin.OnConflictResolved.
func (e *Extension) OnConflictResolved(ctx context.Context, local, remote, merged *transaction.Transaction) error {
	return e.record(ctx, ActionConflictResolved, SeverityWarning, OutcomeSuccess,
		ResourceTransaction, merged.ID.String(), CategorySync, nil,
		"local_version", local.Version,
		"remote_version", remote.Version,
		"merged_version", merged.Version,
		"local_fields", resolve.Diff(remote, merged),
		"remote_fields", resolve.Diff(local, merged),
	)
}

// OnMergeFailed implements plugin.OnMergeFailed.
func (e *Extension) OnMergeFailed(ctx context.Context, txnID string, err error) error {
	return e.record(ctx, ActionMergeFailed, SeverityCritical, OutcomeFailure,
		ResourceTransaction, txnID, CategorySync, err,
	)
}

// OnTransportFault implements plugin.OnTransportFault.
func (e *Extension) OnTransportFault(ctx context.Context, op string, err error) error {
	return e.record(ctx, ActionTransportFault, SeverityWarning, OutcomeFailure,
		ResourceRemote, "", CategoryIntegration, err,
		"op", op,
	)
}

// OnTombstonePurged implements plugin.OnTombstonePurged.
func (e *Extension) OnTombstonePurged(ctx context.Context, txnID string) error {
	return e.record(ctx, ActionTombstonePurged, SeverityInfo, OutcomeSuccess,
		ResourceTransaction, txnID, CategoryLedger, nil,
	)
}

// OnSyncCompleted implements plugin.OnSyncCompleted. Only failed cycles
// are audited.
func (e *Extension) OnSyncCompleted(ctx context.Context, report plugin.SyncReport) error {
	if report.Err == nil {
		return nil
	}
	return e.record(ctx, ActionCycleFailed, SeverityError, OutcomeFailure,
		ResourceCycle, report.CycleID, CategorySync, report.Err,
		"trigger", report.Trigger,
		"pushed", report.Pushed,
		"pulled", report.Pulled,
		"merge_failures", report.Failed,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if !e.wants(action) {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
