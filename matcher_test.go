package injector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshkit/injector/monitor"
)

func tableWith(t *testing.T, items ...*Item) *ItemTable {
	t.Helper()
	table := newItemTable()
	for _, item := range items {
		require.True(t, table.Insert(item))
	}
	return table
}

func testItem(hub *monitor.Hub, key string, value any) *Item {
	return newItem(hub, key, value, nil)
}

func tupleValues(tuples []ArgumentTuple) [][]any {
	out := make([][]any, len(tuples))
	for i, tuple := range tuples {
		vals := make([]any, len(tuple))
		for j, item := range tuple {
			vals[j] = item.Value()
		}
		out[i] = vals
	}
	return out
}

func TestCartesianEnumerationOrder(t *testing.T) {
	hub := monitor.NewHub()
	x1 := testItem(hub, "x", 1)
	x2 := testItem(hub, "x", 2)
	y9 := testItem(hub, "y", 9)
	y10 := testItem(hub, "y", 10)
	table := tableWith(t, x1, x2, y9, y10)

	m := newMatcher()
	f := &Factory{ID: "b", Requires: []string{"x", "y"}}

	tuples := m.candidateTuples(f, table)
	assert.Equal(t, [][]any{
		{1, 9}, {1, 10}, {2, 9}, {2, 10},
	}, tupleValues(tuples))
}

func TestEmptyValueListYieldsNoTuples(t *testing.T) {
	hub := monitor.NewHub()
	table := tableWith(t, testItem(hub, "x", 1))

	m := newMatcher()
	f := &Factory{ID: "b", Requires: []string{"x", "y"}}

	assert.Empty(t, m.candidateTuples(f, table))
}

func TestEmptyRequiresYieldsSingletonTuple(t *testing.T) {
	m := newMatcher()
	f := &Factory{ID: "solo"}

	tuples := m.candidateTuples(f, newItemTable())
	require.Len(t, tuples, 1)
	assert.Empty(t, tuples[0])
}

func TestDuplicateKeysRepeatItems(t *testing.T) {
	hub := monitor.NewHub()
	x1 := testItem(hub, "x", 1)
	x2 := testItem(hub, "x", 2)
	table := tableWith(t, x1, x2)

	m := newMatcher()
	f := &Factory{ID: "pair", Requires: []string{"x", "x"}}

	tuples := m.candidateTuples(f, table)
	assert.Equal(t, [][]any{
		{1, 1}, {1, 2}, {2, 1}, {2, 2},
	}, tupleValues(tuples))
}

func TestDiffSkipsActiveEntries(t *testing.T) {
	hub := monitor.NewHub()
	x1 := testItem(hub, "x", 1)
	x2 := testItem(hub, "x", 2)
	table := tableWith(t, x1, x2)

	active, err := newActiveSet()
	require.NoError(t, err)

	m := newMatcher()
	f := &Factory{ID: "a", Requires: []string{"x"}}

	fresh := m.Diff(f, table, active)
	require.Len(t, fresh, 2)

	active.Put(f.ID, f.gen, fresh[0], fakeHandle(t), "")

	fresh = m.Diff(f, table, active)
	require.Len(t, fresh, 1)
	assert.Equal(t, 2, fresh[0][0].Value())
}

func TestMatcherMemoizationSurvivesRepeatedDiffs(t *testing.T) {
	hub := monitor.NewHub()
	x1 := testItem(hub, "x", 1)
	table := tableWith(t, x1)

	m := newMatcher()
	f := &Factory{ID: "a", Requires: []string{"x"}}

	first := m.candidateTuples(f, table)
	second := m.candidateTuples(f, table)
	require.Equal(t, tupleValues(first), tupleValues(second))

	// A table mutation changes the cache key and the result.
	x2 := testItem(hub, "x", 2)
	require.True(t, table.Insert(x2))
	third := m.candidateTuples(f, table)
	assert.Len(t, third, 2)
}
