package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dfcgate/policy"
)

func setupEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	ctx := context.Background()

	e, err := New(ctx, "", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	require.NoError(t, e.Exec(ctx, "CREATE TABLE foo (id INTEGER, name VARCHAR)"))
	require.NoError(t, e.Exec(ctx, "INSERT INTO foo VALUES (1, 'Alice'), (2, 'Bob'), (3, 'Charlie')"))
	require.NoError(t, e.Exec(ctx, "CREATE TABLE baz (x INTEGER, y VARCHAR)"))
	require.NoError(t, e.Exec(ctx, "INSERT INTO baz VALUES (10, 'test')"))
	return e
}

func mustPolicy(t *testing.T, p policy.DFCPolicy) *policy.DFCPolicy {
	t.Helper()
	out, err := policy.New(p)
	require.NoError(t, err)
	return out
}

func TestTableExists(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()

	assert.True(t, e.TableExists(ctx, "foo"))
	assert.True(t, e.TableExists(ctx, "FOO"))
	assert.False(t, e.TableExists(ctx, "nope"))
}

func TestTableColumns(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()

	cols, err := e.TableColumns(ctx, "foo")
	require.NoError(t, err)
	assert.Contains(t, cols, "id")
	assert.Contains(t, cols, "name")

	_, err = e.TableColumns(ctx, "nope")
	require.EqualError(t, err, "Table 'nope' does not exist in the database")
}

func TestRegisterPolicyUnknownSourceTable(t *testing.T) {
	e := setupEngine(t)
	p := mustPolicy(t, policy.DFCPolicy{
		Sources: []string{"missing"}, Constraint: "max(missing.id) > 0", OnFail: policy.Remove,
	})
	err := e.RegisterPolicy(context.Background(), p)
	require.EqualError(t, err, "Source table 'missing' does not exist in the database")
	assert.Empty(t, e.Policies())
}

func TestRegisterPolicyUnknownSinkTable(t *testing.T) {
	e := setupEngine(t)
	p := mustPolicy(t, policy.DFCPolicy{
		Sources: []string{"foo"}, Sink: "missing",
		Constraint: "max(foo.id) > missing.x", OnFail: policy.Remove,
	})
	err := e.RegisterPolicy(context.Background(), p)
	require.EqualError(t, err, "Sink table 'missing' does not exist in the database")
}

func TestRegisterPolicyUnknownColumn(t *testing.T) {
	e := setupEngine(t)
	p := mustPolicy(t, policy.DFCPolicy{
		Sources: []string{"foo"}, Constraint: "max(foo.salary) > 0", OnFail: policy.Remove,
	})
	err := e.RegisterPolicy(context.Background(), p)
	require.EqualError(t, err,
		"Column 'foo.salary' referenced in constraint does not exist in source table 'foo'")
}

func TestRegisterPolicyUnknownQualifier(t *testing.T) {
	e := setupEngine(t)
	p := mustPolicy(t, policy.DFCPolicy{
		Sources: []string{"foo"}, Constraint: "max(foo.id) > bar.x", OnFail: policy.Remove,
	})
	err := e.RegisterPolicy(context.Background(), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "which is not the source ('foo') or sink ('')")
}

func TestRegisterPolicyString(t *testing.T) {
	e := setupEngine(t)
	p, err := e.RegisterPolicyString(context.Background(),
		"SOURCES foo CONSTRAINT max(foo.id) >= 2 ON FAIL REMOVE")
	require.NoError(t, err)
	assert.Equal(t, []string{"foo"}, p.Sources)
	assert.Len(t, e.Policies(), 1)
}

func TestDeletePolicy(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	a := mustPolicy(t, policy.DFCPolicy{
		Sources: []string{"foo"}, Constraint: "max(foo.id) >= 2", OnFail: policy.Remove,
	})
	b := mustPolicy(t, policy.DFCPolicy{
		Sources: []string{"baz"}, Constraint: "max(baz.x) >= 1", OnFail: policy.Remove,
	})
	require.NoError(t, e.RegisterPolicy(ctx, a))
	require.NoError(t, e.RegisterPolicy(ctx, b))

	same := mustPolicy(t, policy.DFCPolicy{
		Sources: []string{"foo"}, Constraint: "max(foo.id) >= 2", OnFail: policy.Remove,
	})
	assert.True(t, e.DeletePolicy(same))
	require.Len(t, e.Policies(), 1)
	assert.Equal(t, []string{"baz"}, e.Policies()[0].Sources)

	assert.False(t, e.DeletePolicy(same))
}

func TestExecuteRemoveFiltersRows(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	p := mustPolicy(t, policy.DFCPolicy{
		Sources: []string{"foo"}, Constraint: "max(foo.id) >= 2", OnFail: policy.Remove,
	})
	require.NoError(t, e.RegisterPolicy(ctx, p))

	rows, err := e.FetchAll(ctx, "SELECT id FROM foo ORDER BY id")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.EqualValues(t, 2, rows[0]["id"])
	assert.EqualValues(t, 3, rows[1]["id"])
}

func TestExecuteRemoveFiltersAggregation(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	p := mustPolicy(t, policy.DFCPolicy{
		Sources: []string{"foo"}, Constraint: "max(foo.id) > 10", OnFail: policy.Remove,
	})
	require.NoError(t, e.RegisterPolicy(ctx, p))

	rows, err := e.FetchAll(ctx, "SELECT max(id) AS m FROM foo")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestExecuteKillAborts(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	p := mustPolicy(t, policy.DFCPolicy{
		Sources: []string{"foo"}, Constraint: "max(foo.id) > 10", OnFail: policy.Kill,
	})
	require.NoError(t, e.RegisterPolicy(ctx, p))

	_, err := e.FetchAll(ctx, "SELECT id FROM foo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KILLing due to dfc policy violation")
}

func TestExecuteKillPassesWhenConstraintHolds(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	p := mustPolicy(t, policy.DFCPolicy{
		Sources: []string{"foo"}, Constraint: "max(foo.id) >= 1", OnFail: policy.Kill,
	})
	require.NoError(t, e.RegisterPolicy(ctx, p))

	rows, err := e.FetchAll(ctx, "SELECT id FROM foo")
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestExecuteInvalidateMarksRows(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	p := mustPolicy(t, policy.DFCPolicy{
		Sources: []string{"foo"}, Constraint: "max(foo.id) >= 2", OnFail: policy.Invalidate,
	})
	require.NoError(t, e.RegisterPolicy(ctx, p))

	rows, err := e.FetchAll(ctx, "SELECT id FROM foo ORDER BY id")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.EqualValues(t, false, rows[0]["valid"])
	assert.EqualValues(t, true, rows[1]["valid"])
	assert.EqualValues(t, true, rows[2]["valid"])
}

func TestTransformQueryFallsBackOnError(t *testing.T) {
	e := setupEngine(t)
	out := e.TransformQuery(context.Background(), "THIS IS NOT VALID SQL")
	assert.Equal(t, "THIS IS NOT VALID SQL", out)
}

func TestTransformReportsNoMatch(t *testing.T) {
	e := setupEngine(t)
	res, err := e.Transform(context.Background(), "SELECT id FROM foo")
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, "no matching policies", res.Reason)
}

func TestTwoPhaseMatchesOnePhaseRows(t *testing.T) {
	ctx := context.Background()
	one := setupEngine(t)
	two := setupEngine(t, WithTwoPhase(true))

	p := policy.DFCPolicy{
		Sources: []string{"foo"}, Constraint: "max(foo.id) >= 2", OnFail: policy.Remove,
	}
	require.NoError(t, one.RegisterPolicy(ctx, mustPolicy(t, p)))
	require.NoError(t, two.RegisterPolicy(ctx, mustPolicy(t, p)))

	// The two-phase join does not preserve order, so compare as sets.
	query := "SELECT name, max(id) AS m FROM foo GROUP BY name"
	a, err := one.FetchAll(ctx, query)
	require.NoError(t, err)
	b, err := two.FetchAll(ctx, query)
	require.NoError(t, err)
	assert.ElementsMatch(t, a, b)
}

func TestTwoPhaseGroupKeyOutsideProjection(t *testing.T) {
	ctx := context.Background()
	one := setupEngine(t)
	two := setupEngine(t, WithTwoPhase(true))

	p := policy.DFCPolicy{
		Sources: []string{"foo"}, Constraint: "max(foo.id) >= 2", OnFail: policy.Remove,
	}
	require.NoError(t, one.RegisterPolicy(ctx, mustPolicy(t, p)))
	require.NoError(t, two.RegisterPolicy(ctx, mustPolicy(t, p)))

	// The group key is absent from the SELECT list, so the two-phase
	// rewrite has no join column to work with.
	query := "SELECT max(id) AS m FROM foo GROUP BY name"
	a, err := one.FetchAll(ctx, query)
	require.NoError(t, err)
	b, err := two.FetchAll(ctx, query)
	require.NoError(t, err)
	assert.ElementsMatch(t, a, b)
}

func seedOrderTables(t *testing.T, e *Engine) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.Exec(ctx, "CREATE TABLE orders (id INTEGER, total INTEGER)"))
	require.NoError(t, e.Exec(ctx, "INSERT INTO orders VALUES (1, 5), (2, 50), (3, 70)"))
	require.NoError(t, e.Exec(ctx, "CREATE TABLE lineitem (orderkey INTEGER, qty INTEGER)"))
	require.NoError(t, e.Exec(ctx, "INSERT INTO lineitem VALUES (1, 5), (1, 60), (2, 7), (3, 9)"))
}

func TestOnePhaseTwoPhaseEquivalenceShapes(t *testing.T) {
	ctx := context.Background()
	one := setupEngine(t)
	two := setupEngine(t, WithTwoPhase(true))
	seedOrderTables(t, one)
	seedOrderTables(t, two)

	fooPolicy := policy.DFCPolicy{
		Sources: []string{"foo"}, Constraint: "max(foo.id) >= 2", OnFail: policy.Remove,
	}
	linePolicy := policy.DFCPolicy{
		Sources: []string{"lineitem"}, Constraint: "max(lineitem.qty) < 50", OnFail: policy.Remove,
	}
	for _, e := range []*Engine{one, two} {
		require.NoError(t, e.RegisterPolicy(ctx, mustPolicy(t, fooPolicy)))
		require.NoError(t, e.RegisterPolicy(ctx, mustPolicy(t, linePolicy)))
	}

	queries := []string{
		"SELECT id, name FROM foo",
		"SELECT name, max(id) AS m FROM foo GROUP BY name",
		"SELECT foo.name, max(baz.x) AS mx FROM foo, baz GROUP BY foo.name",
		"SELECT orders.id FROM orders WHERE EXISTS (SELECT 1 FROM lineitem WHERE lineitem.orderkey = orders.id)",
		"SELECT orders.id FROM orders WHERE orders.id IN (SELECT lineitem.orderkey FROM lineitem)",
		"WITH w AS (SELECT id, name FROM foo) SELECT w.id FROM w",
	}
	for _, q := range queries {
		a, err := one.FetchAll(ctx, q)
		require.NoError(t, err, q)
		b, err := two.FetchAll(ctx, q)
		require.NoError(t, err, q)
		assert.ElementsMatch(t, a, b, q)
	}
}

func TestOnePhaseTwoPhaseEquivalencePolicyCounts(t *testing.T) {
	ctx := context.Background()
	for _, n := range []int{1, 10, 100, 1000} {
		one := setupEngine(t)
		two := setupEngine(t, WithTwoPhase(true))
		for i := 0; i < n; i++ {
			p := policy.DFCPolicy{
				Sources:    []string{"foo"},
				Constraint: fmt.Sprintf("max(foo.id) >= %d", i%3),
				OnFail:     policy.Remove,
			}
			require.NoError(t, one.RegisterPolicy(ctx, mustPolicy(t, p)))
			require.NoError(t, two.RegisterPolicy(ctx, mustPolicy(t, p)))
		}

		query := "SELECT name, max(id) AS m FROM foo GROUP BY name"
		a, err := one.FetchAll(ctx, query)
		require.NoError(t, err, "n=%d", n)
		b, err := two.FetchAll(ctx, query)
		require.NoError(t, err, "n=%d", n)
		assert.ElementsMatch(t, a, b, "n=%d", n)
	}
}

func TestExistsPolicyEnforcedThroughCatalog(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Exec(ctx, "CREATE TABLE orders (id INTEGER)"))
	require.NoError(t, e.Exec(ctx, "INSERT INTO orders VALUES (1), (2), (3)"))
	require.NoError(t, e.Exec(ctx, "CREATE TABLE lineitem (orderkey INTEGER, qty INTEGER)"))
	require.NoError(t, e.Exec(ctx, "INSERT INTO lineitem VALUES (1, 5), (1, 60), (2, 7)"))

	p := mustPolicy(t, policy.DFCPolicy{
		Sources: []string{"lineitem"}, Constraint: "max(lineitem.qty) < 50", OnFail: policy.Remove,
	})
	require.NoError(t, e.RegisterPolicy(ctx, p))

	rows, err := e.FetchAll(ctx,
		"SELECT orders.id FROM orders WHERE EXISTS (SELECT 1 FROM lineitem WHERE lineitem.orderkey = orders.id)")
	require.NoError(t, err)
	// Order 1 has a lineitem with qty 60, so its group fails the
	// constraint; order 2 stays.
	require.Len(t, rows, 1)
	assert.EqualValues(t, 2, rows[0]["id"])
}
