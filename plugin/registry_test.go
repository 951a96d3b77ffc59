package plugin_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/ledgersync/journal"
	"github.com/xraph/ledgersync/plugin"
	"github.com/xraph/ledgersync/transaction"
)

type recorder struct {
	name string
	mu   sync.Mutex
	ops  []journal.Operation
	sync []plugin.SyncReport
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) OnTransactionRecorded(_ context.Context, _ *transaction.Transaction, op journal.Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
	return nil
}

func (r *recorder) OnSyncCompleted(_ context.Context, report plugin.SyncReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sync = append(r.sync, report)
	return errors.New("ignored")
}

type slow struct{ release chan struct{} }

func (slow) Name() string { return "slow" }

func (s slow) OnPushAccepted(context.Context, *transaction.Transaction) error {
	<-s.release
	return nil
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := plugin.NewRegistry()
	require.NoError(t, r.Register(&recorder{name: "a"}))
	assert.Error(t, r.Register(&recorder{name: "a"}))
	assert.Equal(t, 1, r.Count())
	assert.NotNil(t, r.Get("a"))
	assert.Nil(t, r.Get("b"))
}

func TestEmitDispatchesToImplementers(t *testing.T) {
	ctx := context.Background()
	r := plugin.NewRegistry()
	rec := &recorder{name: "rec"}
	require.NoError(t, r.Register(rec))

	r.EmitTransactionRecorded(ctx, &transaction.Transaction{}, journal.OpCreate)
	r.EmitSyncCompleted(ctx, plugin.SyncReport{Pushed: 2})
	r.EmitMergeFailed(ctx, "txn_x", errors.New("boom"))

	assert.Equal(t, []journal.Operation{journal.OpCreate}, rec.ops)
	require.Len(t, rec.sync, 1)
	assert.Equal(t, 2, rec.sync[0].Pushed)
}

func TestSlowPluginIsBounded(t *testing.T) {
	r := plugin.NewRegistry().WithTimeout(20 * time.Millisecond)
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, r.Register(slow{release: release}))

	start := time.Now()
	r.EmitPushAccepted(context.Background(), &transaction.Transaction{})
	assert.Less(t, time.Since(start), time.Second)
}
