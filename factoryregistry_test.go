package injector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactoryRegistryAddRemove(t *testing.T) {
	r := newFactoryRegistry()

	f := echoFactory("a", "x")
	require.NoError(t, r.Add(f))

	err := r.Add(echoFactory("a"))
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrAlreadyAdded))

	got, err := r.Lookup("a")
	require.NoError(t, err)
	assert.Same(t, f, got)

	require.NoError(t, r.Remove("a"))
	err = r.Remove("a")
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrNotFound))

	_, err = r.Lookup("a")
	assert.True(t, IsKind(err, ErrNotFound))
}

func TestFactoryRegistryDependingOn(t *testing.T) {
	r := newFactoryRegistry()

	require.NoError(t, r.Add(echoFactory("a", "x")))
	require.NoError(t, r.Add(echoFactory("b", "x", "y")))
	require.NoError(t, r.Add(echoFactory("c", "z")))

	dependents := r.DependingOn("x")
	require.Len(t, dependents, 2)
	assert.Equal(t, "a", dependents[0].ID)
	assert.Equal(t, "b", dependents[1].ID)

	assert.Empty(t, r.DependingOn("missing"))
}

func TestFactoryRegistryAllRegistrationOrder(t *testing.T) {
	r := newFactoryRegistry()

	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, r.Add(echoFactory(id, "x")))
	}

	all := r.All()
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)
	assert.Equal(t, "a", all[1].ID)
	assert.Equal(t, "b", all[2].ID)
}
