package audithook_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/ledgersync"
	audithook "github.com/xraph/ledgersync/audit_hook"
	"github.com/xraph/ledgersync/plugin"
	remotemem "github.com/xraph/ledgersync/remote/memory"
	"github.com/xraph/ledgersync/store/memory"
	"github.com/xraph/ledgersync/transaction"
)

type sink struct {
	mu     sync.Mutex
	events []*audithook.AuditEvent
}

func (s *sink) record(_ context.Context, evt *audithook.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *sink) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Action
	}
	return out
}

func TestAuditTrailFollowsSync(t *testing.T) {
	ctx := context.Background()
	s := &sink{}
	hook := audithook.New(audithook.RecorderFunc(s.record))

	engine := ledgersync.New(memory.New(), remotemem.NewServer().Client(),
		ledgersync.WithPlugin(hook),
		ledgersync.WithSyncInterval(time.Hour),
	)
	t.Cleanup(func() { _ = engine.Stop() })

	txn, err := engine.RecordTransaction(ctx, &transaction.Transaction{
		UserID:    "u1",
		Amount:    ledgersync.EUR(990),
		Kind:      transaction.KindIncome,
		Category:  "refund",
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, engine.SyncOnce(ctx))

	assert.Equal(t, []string{
		audithook.ActionTransactionCreated,
		audithook.ActionPushAccepted,
	}, s.actions())
	assert.Equal(t, txn.ID.String(), s.events[0].ResourceID)
	assert.Equal(t, int64(1), s.events[0].Metadata["version"])
}

func TestAuditSkipsDisabledActions(t *testing.T) {
	ctx := context.Background()
	s := &sink{}
	hook := audithook.New(audithook.RecorderFunc(s.record),
		audithook.WithDisabledActions(audithook.ActionTransportFault),
	)

	require.NoError(t, hook.OnTransportFault(ctx, "push", errors.New("reset")))
	require.NoError(t, hook.OnMergeFailed(ctx, "txn_x", errors.New("ids differ")))
	require.NoError(t, hook.OnSyncCompleted(ctx, plugin.SyncReport{CycleID: "sync_1"}))

	require.Len(t, s.events, 1)
	evt := s.events[0]
	assert.Equal(t, audithook.ActionMergeFailed, evt.Action)
	assert.Equal(t, audithook.OutcomeFailure, evt.Outcome)
	assert.Equal(t, "ids differ", evt.Reason)
}

func TestAuditEnabledActionsCombineWithDisabled(t *testing.T) {
	ctx := context.Background()
	s := &sink{}
	hook := audithook.New(audithook.RecorderFunc(s.record),
		audithook.WithEnabledActions(audithook.ActionMergeFailed, audithook.ActionTransportFault),
		audithook.WithDisabledActions(audithook.ActionTransportFault),
	)

	require.NoError(t, hook.OnTransportFault(ctx, "pull", errors.New("timeout")))
	require.NoError(t, hook.OnMergeFailed(ctx, "txn_y", errors.New("ids differ")))
	require.NoError(t, hook.OnTombstonePurged(ctx, "txn_z"))

	assert.Equal(t, []string{audithook.ActionMergeFailed}, s.actions())
	assert.Subset(t, audithook.Actions(), s.actions())
}
