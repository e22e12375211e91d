package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dfcgate/policy"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "policies.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testPolicy(t *testing.T, p policy.DFCPolicy) *policy.DFCPolicy {
	t.Helper()
	out, err := policy.New(p)
	require.NoError(t, err)
	return out
}

func TestSaveAndList(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	a := testPolicy(t, policy.DFCPolicy{
		Sources: []string{"orders"}, Constraint: "max(orders.total) > 10",
		OnFail: policy.Remove, Description: "limit exposure",
	})
	b := testPolicy(t, policy.DFCPolicy{
		Sources: []string{"events"}, Sink: "events", SinkAlias: "prev",
		Constraint: "max(events.ts) > prev.ts", OnFail: policy.Kill,
	})

	_, err := s.Save(ctx, a)
	require.NoError(t, err)
	_, err = s.Save(ctx, b)
	require.NoError(t, err)

	loaded, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.True(t, loaded[0].Equal(a))
	assert.True(t, loaded[1].Equal(b))
}

func TestListEmpty(t *testing.T) {
	s := openStore(t)
	loaded, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestDelete(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	p := testPolicy(t, policy.DFCPolicy{
		Sources: []string{"orders"}, Constraint: "max(orders.total) > 10", OnFail: policy.Remove,
	})
	// Duplicates register independently and are removed one at a time.
	_, err := s.Save(ctx, p)
	require.NoError(t, err)
	_, err = s.Save(ctx, p)
	require.NoError(t, err)

	deleted, err := s.Delete(ctx, p)
	require.NoError(t, err)
	assert.True(t, deleted)

	remaining, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)

	deleted, err = s.Delete(ctx, p)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.Delete(ctx, p)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestReopenRestoresPolicies(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.sqlite")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	p := testPolicy(t, policy.DFCPolicy{
		Sources: []string{"orders"}, Constraint: "max(orders.total) > 10", OnFail: policy.Invalidate,
	})
	_, err = s.Save(ctx, p)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	loaded, err := s2.List(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.True(t, loaded[0].Equal(p))
}
