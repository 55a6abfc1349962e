// SPDX-License-Identifier: AGPL-3.0-only

package resourcemanager

import (
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPoolRegistry_DuplicateNameRejected checks that registering a
// duplicate pool name fails and leaves the registry unchanged.
func TestPoolRegistry_DuplicateNameRejected(t *testing.T) {
	r := newPoolRegistry(log.NewNopLogger(), nil)
	defer r.ShutdownAll()

	_, err := r.Register(PoolSpec{Name: "dup", Min: 0, Max: 1, Queue: FIFOQueue})
	require.NoError(t, err)

	_, err = r.Register(PoolSpec{Name: "dup", Min: 0, Max: 1, Queue: FIFOQueue})
	require.Error(t, err)
	var cfgErr *ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)

	assert.Len(t, r.All(), 1)
}

func TestPoolRegistry_GetMissing(t *testing.T) {
	r := newPoolRegistry(log.NewNopLogger(), nil)
	defer r.ShutdownAll()

	_, ok := r.Get("does-not-exist")
	assert.False(t, ok)
}

func TestPoolRegistry_ShutdownAllStopsEveryPool(t *testing.T) {
	r := newPoolRegistry(log.NewNopLogger(), nil)

	for _, name := range []string{"a", "b", "c"} {
		_, err := r.Register(PoolSpec{Name: name, Min: 1, Max: 1, Queue: FIFOQueue})
		require.NoError(t, err)
	}

	r.ShutdownAll()

	for _, name := range []string{"a", "b", "c"} {
		p, ok := r.Get(name)
		require.True(t, ok)
		assert.True(t, p.shutdown)
	}
}
