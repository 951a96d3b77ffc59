package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/ledgersync/journal"
	"github.com/xraph/ledgersync/transaction"
)

// DefaultTimeout bounds every plugin call.
const DefaultTimeout = 5 * time.Second

// Registry holds registered plugins and dispatches engine events to the
// ones implementing each hook. Hook lists are resolved once at Register.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	onInit                []OnInit
	onShutdown            []OnShutdown
	onTransactionRecorded []OnTransactionRecorded
	onTransactionDeleted  []OnTransactionDeleted
	onPushAccepted        []OnPushAccepted
	onConflictResolved    []OnConflictResolved
	onMergeFailed         []OnMergeFailed
	onRemoteApplied       []OnRemoteApplied
	onTransportFault      []OnTransportFault
	onSyncCompleted       []OnSyncCompleted
	onStatusChanged       []OnStatusChanged
	onTombstonePurged     []OnTombstonePurged
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-call plugin timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds p and files it under every hook it implements. Names must
// be unique.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	var hooks []string
	add := func(name string, ok bool) {
		if ok {
			hooks = append(hooks, name)
		}
	}

	r.plugins = append(r.plugins, p)
	add("OnInit", appendHook(&r.onInit, p))
	add("OnShutdown", appendHook(&r.onShutdown, p))
	add("OnTransactionRecorded", appendHook(&r.onTransactionRecorded, p))
	add("OnTransactionDeleted", appendHook(&r.onTransactionDeleted, p))
	add("OnPushAccepted", appendHook(&r.onPushAccepted, p))
	add("OnConflictResolved", appendHook(&r.onConflictResolved, p))
	add("OnMergeFailed", appendHook(&r.onMergeFailed, p))
	add("OnRemoteApplied", appendHook(&r.onRemoteApplied, p))
	add("OnTransportFault", appendHook(&r.onTransportFault, p))
	add("OnSyncCompleted", appendHook(&r.onSyncCompleted, p))
	add("OnStatusChanged", appendHook(&r.onStatusChanged, p))
	add("OnTombstonePurged", appendHook(&r.onTombstonePurged, p))

	r.logger.Info("plugin registered", "name", p.Name(), "hooks", hooks)

	return nil
}

// appendHook appends p to list when p implements H.
func appendHook[H any](list *[]H, p Plugin) bool {
	h, ok := p.(H)
	if ok {
		*list = append(*list, h)
	}
	return ok
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// emit calls fn for every plugin in ps, logging failures.
func emit[P Plugin](ctx context.Context, r *Registry, hook string, ps []P, fn func(P) error) {
	for _, p := range ps {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return fn(p)
		}); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	r.mu.RLock()
	plugins := r.onInit
	r.mu.RUnlock()

	emit(ctx, r, "OnInit", plugins, func(p OnInit) error {
		return p.OnInit(ctx, engine)
	})
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	plugins := r.onShutdown
	r.mu.RUnlock()

	emit(ctx, r, "OnShutdown", plugins, func(p OnShutdown) error {
		return p.OnShutdown(ctx)
	})
}

// EmitTransactionRecorded emits a local write event.
func (r *Registry) EmitTransactionRecorded(ctx context.Context, t *transaction.Transaction, op journal.Operation) {
	r.mu.RLock()
	plugins := r.onTransactionRecorded
	r.mu.RUnlock()

	emit(ctx, r, "OnTransactionRecorded", plugins, func(p OnTransactionRecorded) error {
		return p.OnTransactionRecorded(ctx, t, op)
	})
}

// EmitTransactionDeleted emits a local delete event.
func (r *Registry) EmitTransactionDeleted(ctx context.Context, t *transaction.Transaction) {
	r.mu.RLock()
	plugins := r.onTransactionDeleted
	r.mu.RUnlock()

	emit(ctx, r, "OnTransactionDeleted", plugins, func(p OnTransactionDeleted) error {
		return p.OnTransactionDeleted(ctx, t)
	})
}

// EmitPushAccepted emits a push accepted event.
func (r *Registry) EmitPushAccepted(ctx context.Context, t *transaction.Transaction) {
	r.mu.RLock()
	plugins := r.onPushAccepted
	r.mu.RUnlock()

	emit(ctx, r, "OnPushAccepted", plugins, func(p OnPushAccepted) error {
		return p.OnPushAccepted(ctx, t)
	})
}

// EmitConflictResolved emits a conflict resolved event.
func (r *Registry) EmitConflictResolved(ctx context.Context, local, remote, merged *transaction.Transaction) {
	r.mu.RLock()
	plugins := r.onConflictResolved
	r.mu.RUnlock()

	emit(ctx, r, "OnConflictResolved", plugins, func(p OnConflictResolved) error {
		return p.OnConflictResolved(ctx, local, remote, merged)
	})
}

// EmitMergeFailed emits a merge failure event.
func (r *Registry) EmitMergeFailed(ctx context.Context, txnID string, err error) {
	r.mu.RLock()
	plugins := r.onMergeFailed
	r.mu.RUnlock()

	emit(ctx, r, "OnMergeFailed", plugins, func(p OnMergeFailed) error {
		return p.OnMergeFailed(ctx, txnID, err)
	})
}

// EmitRemoteApplied emits a remote change applied event.
func (r *Registry) EmitRemoteApplied(ctx context.Context, t *transaction.Transaction) {
	r.mu.RLock()
	plugins := r.onRemoteApplied
	r.mu.RUnlock()

	emit(ctx, r, "OnRemoteApplied", plugins, func(p OnRemoteApplied) error {
		return p.OnRemoteApplied(ctx, t)
	})
}

// EmitTransportFault emits a transport fault event.
func (r *Registry) EmitTransportFault(ctx context.Context, op string, err error) {
	r.mu.RLock()
	plugins := r.onTransportFault
	r.mu.RUnlock()

	emit(ctx, r, "OnTransportFault", plugins, func(p OnTransportFault) error {
		return p.OnTransportFault(ctx, op, err)
	})
}

// EmitSyncCompleted emits a sync cycle completed event.
func (r *Registry) EmitSyncCompleted(ctx context.Context, report SyncReport) {
	r.mu.RLock()
	plugins := r.onSyncCompleted
	r.mu.RUnlock()

	emit(ctx, r, "OnSyncCompleted", plugins, func(p OnSyncCompleted) error {
		return p.OnSyncCompleted(ctx, report)
	})
}

// EmitStatusChanged emits a status transition event.
func (r *Registry) EmitStatusChanged(ctx context.Context, from, to string) {
	r.mu.RLock()
	plugins := r.onStatusChanged
	r.mu.RUnlock()

	emit(ctx, r, "OnStatusChanged", plugins, func(p OnStatusChanged) error {
		return p.OnStatusChanged(ctx, from, to)
	})
}

// EmitTombstonePurged emits a tombstone purge event.
func (r *Registry) EmitTombstonePurged(ctx context.Context, txnID string) {
	r.mu.RLock()
	plugins := r.onTombstonePurged
	r.mu.RUnlock()

	emit(ctx, r, "OnTombstonePurged", plugins, func(p OnTombstonePurged) error {
		return p.OnTombstonePurged(ctx, txnID)
	})
}

// callWithTimeout runs fn and gives up after r.timeout. A plugin that
// overruns keeps its goroutine until fn returns.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
