// Package observability provides a metrics plugin for the sync engine that
// records push, pull and conflict counts via a MetricFactory.
package observability

import (
	"context"

	"github.com/xraph/ledgersync/journal"
	"github.com/xraph/ledgersync/plugin"
	"github.com/xraph/ledgersync/transaction"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                = (*MetricsExtension)(nil)
	_ plugin.OnInit                = (*MetricsExtension)(nil)
	_ plugin.OnTransactionRecorded = (*MetricsExtension)(nil)
	_ plugin.OnTransactionDeleted  = (*MetricsExtension)(nil)
	_ plugin.OnPushAccepted        = (*MetricsExtension)(nil)
	_ plugin.OnConflictResolved    = (*MetricsExtension)(nil)
	_ plugin.OnMergeFailed         = (*MetricsExtension)(nil)
	_ plugin.OnRemoteApplied       = (*MetricsExtension)(nil)
	_ plugin.OnTransportFault      = (*MetricsExtension)(nil)
	_ plugin.OnSyncCompleted       = (*MetricsExtension)(nil)
	_ plugin.OnTombstonePurged     = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records sync lifecycle metrics.
// Register it with ledgersync.WithPlugin.
type MetricsExtension struct {
	factory MetricFactory

	// Local mutation metrics
	TransactionsCreated Counter
	TransactionsUpdated Counter
	TransactionsDeleted Counter

	// Push metrics
	PushAccepted    Counter
	PushFaults      Counter
	TombstonePurged Counter

	// Pull metrics
	RemoteApplied Counter
	PullFaults    Counter

	// Conflict metrics
	ConflictsResolved Counter
	MergeFailures     Counter

	// Cycle metrics
	CyclesCompleted Counter
	CyclesFailed    Counter
	CycleLatency    Histogram
	CyclePushed     Histogram
	CyclePulled     Histogram
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		TransactionsCreated: factory.Counter("ledgersync.transaction.created"),
		TransactionsUpdated: factory.Counter("ledgersync.transaction.updated"),
		TransactionsDeleted: factory.Counter("ledgersync.transaction.deleted"),

		PushAccepted:    factory.Counter("ledgersync.push.accepted"),
		PushFaults:      factory.Counter("ledgersync.push.faults"),
		TombstonePurged: factory.Counter("ledgersync.tombstone.purged"),

		RemoteApplied: factory.Counter("ledgersync.pull.applied"),
		PullFaults:    factory.Counter("ledgersync.pull.faults"),

		ConflictsResolved: factory.Counter("ledgersync.conflict.resolved"),
		MergeFailures:     factory.Counter("ledgersync.conflict.merge_failed"),

		CyclesCompleted: factory.Counter("ledgersync.cycle.completed"),
		CyclesFailed:    factory.Counter("ledgersync.cycle.failed"),
		CycleLatency:    factory.Histogram("ledgersync.cycle.latency_ms"),
		CyclePushed:     factory.Histogram("ledgersync.cycle.pushed"),
		CyclePulled:     factory.Histogram("ledgersync.cycle.pulled"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ any) error {
	return nil
}

// ──────────────────────────────────────────────────
// Local mutation hooks
// ──────────────────────────────────────────────────

// OnTransactionRecorded implements plugin.OnTransactionRecorded.
func (m *MetricsExtension) OnTransactionRecorded(_ context.Context, _ *transaction.Transaction, op journal.Operation) error {
	if op == journal.OpCreate {
		m.TransactionsCreated.Inc()
	} else {
		m.TransactionsUpdated.Inc()
	}
	return nil
}

// OnTransactionDeleted implements plugin.OnTransactionDeleted.
func (m *MetricsExtension) OnTransactionDeleted(_ context.Context, _ *transaction.Transaction) error {
	m.TransactionsDeleted.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Sync hooks
// ──────────────────────────────────────────────────

// OnPushAccepted implements plugin.OnPushAccepted.
func (m *MetricsExtension) OnPushAccepted(_ context.Context, _ *transaction.Transaction) error {
	m.PushAccepted.Inc()
	return nil
}

// OnConflictResolved implements plugin.OnConflictResolved.
func (m *MetricsExtension) OnConflictResolved(_ context.Context, _, _, _ *transaction.Transaction) error {
	m.ConflictsResolved.Inc()
	return nil
}

// OnMergeFailed implements plugin.OnMergeFailed.
func (m *MetricsExtension) OnMergeFailed(_ context.Context, _ string, _ error) error {
	m.MergeFailures.Inc()
	return nil
}

// OnRemoteApplied implements plugin.OnRemoteApplied.
func (m *MetricsExtension) OnRemoteApplied(_ context.Context, _ *transaction.Transaction) error {
	m.RemoteApplied.Inc()
	return nil
}

// OnTransportFault implements plugin.OnTransportFault.
func (m *MetricsExtension) OnTransportFault(_ context.Context, op string, _ error) error {
	if op == "pull" {
		m.PullFaults.Inc()
	} else {
		m.PushFaults.Inc()
	}
	return nil
}

// OnTombstonePurged implements plugin.OnTombstonePurged.
func (m *MetricsExtension) OnTombstonePurged(_ context.Context, _ string) error {
	m.TombstonePurged.Inc()
	return nil
}

// OnSyncCompleted implements plugin.OnSyncCompleted.
func (m *MetricsExtension) OnSyncCompleted(_ context.Context, report plugin.SyncReport) error {
	if report.Err != nil {
		m.CyclesFailed.Inc()
	} else {
		m.CyclesCompleted.Inc()
	}
	m.CycleLatency.Observe(float64(report.Elapsed.Milliseconds()))
	m.CyclePushed.Observe(float64(report.Pushed))
	m.CyclePulled.Observe(float64(report.Pulled))
	return nil
}
