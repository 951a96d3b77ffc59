package resolve_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/ledgersync/id"
	"github.com/xraph/ledgersync/resolve"
	"github.com/xraph/ledgersync/transaction"
	"github.com/xraph/ledgersync/types"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func base() *transaction.Transaction {
	return &transaction.Transaction{
		Entity:        types.NewEntity(t0),
		ID:            id.NewTransactionID(),
		UserID:        "user-1",
		Amount:        types.USD(500),
		Kind:          transaction.KindExpense,
		Category:      "food",
		Timestamp:     t0,
		Version:       1,
		RemoteVersion: 1,
	}
}

func edit(t *transaction.Transaction, at time.Time, fn func(*transaction.Transaction)) *transaction.Transaction {
	c := t.Clone()
	fn(c)
	c.Version++
	c.UpdatedAt = at
	return c
}

func TestResolveLaterUpdatedAtWins(t *testing.T) {
	b := base()
	local := edit(b, t0.Add(2*time.Minute), func(x *transaction.Transaction) {
		x.Amount = types.USD(700)
		x.Note = "local"
	})
	remote := edit(b, t0.Add(time.Minute), func(x *transaction.Transaction) {
		x.Amount = types.USD(900)
		x.Category = "rent"
	})

	merged, err := resolve.Resolve(local, remote)
	require.NoError(t, err)
	assert.Equal(t, types.USD(700), merged.Amount)
	assert.Equal(t, "local", merged.Note)
	assert.Equal(t, "food", merged.Category, "without an ancestor every field follows the newer side")
	assert.Equal(t, int64(3), merged.Version)
	assert.Equal(t, int64(2), merged.RemoteVersion)
	assert.True(t, merged.UpdatedAt.Equal(local.UpdatedAt))
}

func TestResolveTieFavoursRemote(t *testing.T) {
	b := base()
	at := t0.Add(time.Minute)
	local := edit(b, at, func(x *transaction.Transaction) {
		x.Amount = types.USD(1)
		x.Note = "mine"
		x.Category = "misc"
	})
	remote := edit(b, at, func(x *transaction.Transaction) {
		x.Amount = types.USD(2)
		x.Note = "theirs"
		x.Category = "travel"
	})

	for name, fn := range map[string]func() (*transaction.Transaction, error){
		"two-way":   func() (*transaction.Transaction, error) { return resolve.Resolve(local, remote) },
		"three-way": func() (*transaction.Transaction, error) { return resolve.ResolveWithBase(b, local, remote) },
	} {
		t.Run(name, func(t *testing.T) {
			merged, err := fn()
			require.NoError(t, err)
			assert.True(t, merged.SameContent(remote), "merged: %+v", merged)
			assert.Equal(t, int64(3), merged.Version)
		})
	}
}

// With an ancestor, the tie rule only decides fields both sides changed;
// a field changed on one side keeps that change even on a tie.
func TestResolveTieWithBaseOnlyDecidesSharedFields(t *testing.T) {
	b := base()
	at := t0.Add(time.Minute)
	local := edit(b, at, func(x *transaction.Transaction) {
		x.Amount = types.USD(1)
		x.Note = "mine"
	})
	remote := edit(b, at, func(x *transaction.Transaction) {
		x.Amount = types.USD(2)
		x.Category = "travel"
	})

	merged, err := resolve.ResolveWithBase(b, local, remote)
	require.NoError(t, err)
	assert.Equal(t, types.USD(2), merged.Amount, "both changed: remote wins the tie")
	assert.Equal(t, "travel", merged.Category, "remote-only change kept")
	assert.Equal(t, "mine", merged.Note, "local-only change kept despite the tie")

	// Without an ancestor every field follows the tie rule.
	merged, err = resolve.Resolve(local, remote)
	require.NoError(t, err)
	assert.True(t, merged.SameContent(remote), "merged: %+v", merged)
}

func TestResolveWithBaseKeepsDisjointEdits(t *testing.T) {
	b := base()
	local := edit(b, t0.Add(2*time.Minute), func(x *transaction.Transaction) { x.Amount = types.USD(700) })
	remote := edit(b, t0.Add(time.Minute), func(x *transaction.Transaction) { x.Note = "groceries" })

	merged, err := resolve.ResolveWithBase(b, local, remote)
	require.NoError(t, err)
	assert.Equal(t, types.USD(700), merged.Amount)
	assert.Equal(t, "groceries", merged.Note)
	assert.Equal(t, int64(3), merged.Version)

	// Either arrival order yields the same content.
	swapped, err := resolve.ResolveWithBase(b, remote, local)
	require.NoError(t, err)
	assert.True(t, merged.SameContent(swapped))
	assert.Equal(t, merged.Version, swapped.Version)
}

func TestResolveWithBaseBothChangedUsesUpdatedAt(t *testing.T) {
	b := base()
	local := edit(b, t0.Add(time.Minute), func(x *transaction.Transaction) { x.Note = "old" })
	remote := edit(b, t0.Add(time.Hour), func(x *transaction.Transaction) { x.Note = "new" })

	merged, err := resolve.ResolveWithBase(b, local, remote)
	require.NoError(t, err)
	assert.Equal(t, "new", merged.Note)
}

func TestResolveEditBeatsDelete(t *testing.T) {
	b := base()

	tests := []struct {
		name   string
		local  *transaction.Transaction
		remote *transaction.Transaction
		want   types.Money
	}{
		{
			name:   "remote deleted, local edited later",
			local:  edit(b, t0.Add(time.Minute), func(x *transaction.Transaction) { x.Amount = types.USD(650) }),
			remote: edit(b, t0.Add(time.Hour), func(x *transaction.Transaction) { x.Deleted = true }),
			want:   types.USD(650),
		},
		{
			name:   "local deleted, remote edited",
			local:  edit(b, t0.Add(time.Hour), func(x *transaction.Transaction) { x.Deleted = true }),
			remote: edit(b, t0.Add(time.Minute), func(x *transaction.Transaction) { x.Amount = types.USD(800) }),
			want:   types.USD(800),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, ancestor := range []*transaction.Transaction{nil, b} {
				merged, err := resolve.ResolveWithBase(ancestor, tt.local, tt.remote)
				require.NoError(t, err)
				assert.False(t, merged.Deleted)
				assert.Equal(t, tt.want, merged.Amount)
				assert.Equal(t, int64(3), merged.Version)
			}
		})
	}
}

func TestResolveDeleteAgainstUnchangedSideStaysDeleted(t *testing.T) {
	b := base()
	local := edit(b, t0.Add(time.Minute), func(x *transaction.Transaction) { x.Deleted = true })
	remote := b.Clone()
	remote.Version = 2
	remote.UpdatedAt = t0.Add(time.Hour)

	merged, err := resolve.ResolveWithBase(b, local, remote)
	require.NoError(t, err)
	assert.True(t, merged.Deleted)
}

func TestResolveBothDeleted(t *testing.T) {
	b := base()
	local := edit(b, t0.Add(time.Minute), func(x *transaction.Transaction) { x.Deleted = true })
	remote := edit(b, t0.Add(time.Hour), func(x *transaction.Transaction) { x.Deleted = true })

	merged, err := resolve.Resolve(local, remote)
	require.NoError(t, err)
	assert.True(t, merged.Deleted)
}

func TestResolveMergeFailures(t *testing.T) {
	b := base()
	later := edit(b, t0.Add(time.Minute), func(*transaction.Transaction) {})

	other := later.Clone()
	other.ID = id.NewTransactionID()

	corrupt := edit(b, t0.Add(time.Hour), func(x *transaction.Transaction) { x.Amount = types.New(5, "???") })

	advanced := edit(later, t0.Add(time.Minute), func(*transaction.Transaction) {})

	tests := []struct {
		name   string
		base   *transaction.Transaction
		local  *transaction.Transaction
		remote *transaction.Transaction
	}{
		{"id mismatch", nil, later, other},
		{"missing remote", nil, later, nil},
		{"invalid winner", nil, later, corrupt},
		{"remote regressed", advanced, later, b},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolve.ResolveWithBase(tt.base, tt.local, tt.remote)
			require.Error(t, err)
			assert.ErrorIs(t, err, resolve.ErrMergeFailure)

			var me *resolve.MergeError
			assert.ErrorAs(t, err, &me)
		})
	}
}

func TestDiff(t *testing.T) {
	b := base()
	c := edit(b, t0, func(x *transaction.Transaction) {
		x.Note = "n"
		x.Deleted = true
	})
	assert.Equal(t, []string{"note", "deleted"}, resolve.Diff(b, c))
	assert.Empty(t, resolve.Diff(b, b.Clone()))
}
