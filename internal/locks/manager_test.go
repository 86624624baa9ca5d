package locks_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyedge/internal/adapters/storage"
	"github.com/alejandrodnm/polyedge/internal/locks"
)

func newManager(t *testing.T, instance string) (*locks.Manager, *storage.SQLiteStore) {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return locks.NewManager(store, instance), store
}

func TestAcquireAndValidate(t *testing.T) {
	m, _ := newManager(t, "i1")
	ctx := context.Background()

	l, err := m.Acquire(ctx, "m1", "w1")
	require.NoError(t, err)
	require.NotNil(t, l)

	ok, why := m.ValidateForSubmit(ctx, "m1", "w1", l.LockVersion, time.Now().UTC())
	assert.True(t, ok, why)
}

func TestValidateRejectsVersionDrift(t *testing.T) {
	m, _ := newManager(t, "i1")
	ctx := context.Background()

	l, err := m.Acquire(ctx, "m1", "w1")
	require.NoError(t, err)

	// A renewal after decision time moves the version.
	_, err = m.Renew(ctx, "m1", "w1")
	require.NoError(t, err)

	ok, why := m.ValidateForSubmit(ctx, "m1", "w1", l.LockVersion, time.Now().UTC())
	assert.False(t, ok)
	assert.Contains(t, why, "version")
}

func TestValidateRejectsShortLease(t *testing.T) {
	m, _ := newManager(t, "i1")
	ctx := context.Background()

	l, err := m.Acquire(ctx, "m1", "w1")
	require.NoError(t, err)

	// 51 seconds in, only 9s of the 60s lease remains: under the 10s floor.
	late := time.Now().UTC().Add(51 * time.Second)
	ok, why := m.ValidateForSubmit(ctx, "m1", "w1", l.LockVersion, late)
	assert.False(t, ok)
	assert.Contains(t, why, "lease")
}

func TestValidateRejectsForeignOwner(t *testing.T) {
	m, _ := newManager(t, "i1")
	ctx := context.Background()

	l, err := m.Acquire(ctx, "m1", "w1")
	require.NoError(t, err)

	ok, _ := m.ValidateForSubmit(ctx, "m1", "w2", l.LockVersion, time.Now().UTC())
	assert.False(t, ok)

	ok, _ = m.ValidateForSubmit(ctx, "missing", "w1", l.LockVersion, time.Now().UTC())
	assert.False(t, ok)
}

func TestContendedAcquire(t *testing.T) {
	m, store := newManager(t, "i1")
	other := locks.NewManager(store, "i2")
	ctx := context.Background()

	l, err := m.Acquire(ctx, "m1", "w1")
	require.NoError(t, err)
	require.NotNil(t, l)

	stolen, err := other.Acquire(ctx, "m1", "w9")
	require.NoError(t, err)
	assert.Nil(t, stolen, "live lease is not stealable")

	require.NoError(t, m.Release(ctx, "m1", "w1"))
	taken, err := other.Acquire(ctx, "m1", "w9")
	require.NoError(t, err)
	assert.NotNil(t, taken)
}
