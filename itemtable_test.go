package injector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshkit/injector/monitor"
)

func TestItemTableInsertOrder(t *testing.T) {
	hub := monitor.NewHub()
	table := newItemTable()

	a := testItem(hub, "x", "a")
	b := testItem(hub, "x", "b")
	require.True(t, table.Insert(a))
	require.True(t, table.Insert(b))

	values := table.Values("x")
	require.Len(t, values, 2)
	assert.Equal(t, "a", values[0].Value())
	assert.Equal(t, "b", values[1].Value())
}

func TestItemTableDuplicateInsertIgnored(t *testing.T) {
	hub := monitor.NewHub()
	table := newItemTable()

	a := testItem(hub, "x", "a")
	require.True(t, table.Insert(a))
	require.False(t, table.Insert(a))
	assert.Equal(t, 1, table.Len())
}

func TestItemTableRemoveDeletesEmptyKey(t *testing.T) {
	hub := monitor.NewHub()
	table := newItemTable()

	a := testItem(hub, "x", "a")
	require.True(t, table.Insert(a))
	require.True(t, table.Remove(a))
	require.False(t, table.Remove(a))

	assert.Nil(t, table.Values("x"))
	assert.Zero(t, table.Len())
}

func TestItemTableRemoveByRefNotValue(t *testing.T) {
	hub := monitor.NewHub()
	table := newItemTable()

	a := testItem(hub, "x", 7)
	twin := testItem(hub, "x", 7)
	require.True(t, table.Insert(a))
	require.True(t, table.Insert(twin))

	require.True(t, table.Remove(a))
	values := table.Values("x")
	require.Len(t, values, 1)
	assert.Same(t, twin, values[0])
}

func TestItemTableValuesIsDefensiveCopy(t *testing.T) {
	hub := monitor.NewHub()
	table := newItemTable()

	a := testItem(hub, "x", "a")
	require.True(t, table.Insert(a))

	values := table.Values("x")
	values[0] = nil
	fresh := table.Values("x")
	require.Len(t, fresh, 1)
	assert.Same(t, a, fresh[0])
}

func TestItemTableAllGlobalOrder(t *testing.T) {
	hub := monitor.NewHub()
	table := newItemTable()

	first := testItem(hub, "x", 1)
	second := testItem(hub, "y", 2)
	third := testItem(hub, "x", 3)
	for _, item := range []*Item{first, second, third} {
		require.True(t, table.Insert(item))
	}

	all := table.All()
	require.Len(t, all, 3)
	assert.Same(t, first, all[0])
	assert.Same(t, second, all[1])
	assert.Same(t, third, all[2])
}
