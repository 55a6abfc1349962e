// SPDX-License-Identifier: AGPL-3.0-only

package resourcemanager

import (
	"context"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	registry := newPoolRegistry(log.NewNopLogger(), nil)
	t.Cleanup(registry.ShutdownAll)

	for _, spec := range defaultPoolSpecs(PoolSizeConfig{
		MinorCompactMaxConcurrent:  1,
		MajorCompactMaxConcurrent:  1,
		MigrateMaxConcurrent:       1,
		ReadAheadMaxConcurrent:     1,
		MetaReadAheadMaxConcurrent: 1,
	}) {
		_, err := registry.Register(spec)
		require.NoError(t, err)
	}

	return newDispatcher(registry, log.NewNopLogger())
}

// TestDispatcher_ExecuteSplit_Routing checks that every tablet kind routes
// to exactly one destination: ignored for root, otherwise exactly one pool.
func TestDispatcher_ExecuteSplit_Routing(t *testing.T) {
	d := newTestDispatcher(t)

	root := NewTabletId(KindRoot, "!0", "")
	assert.NoError(t, d.ExecuteSplit(context.Background(), root, func(ctx context.Context) {
		t.Fatal("split must never run for the root tablet")
	}))

	for _, tc := range []struct {
		name string
		kind Kind
	}{
		{"metadata", KindMetadata},
		{"user", KindUser},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tablet := NewTabletId(tc.kind, "t", "r")
			ran := make(chan struct{})
			require.NoError(t, d.ExecuteSplit(context.Background(), tablet, func(ctx context.Context) { close(ran) }))
			<-ran
		})
	}
}

func TestDispatcher_ExecuteReadAhead_RootRunsInline(t *testing.T) {
	d := newTestDispatcher(t)

	root := NewTabletId(KindRoot, "!0", "")
	ranInline := false
	require.NoError(t, d.ExecuteReadAhead(context.Background(), root, func(ctx context.Context) {
		ranInline = true
	}))
	assert.True(t, ranInline, "root read-ahead must run inline before ExecuteReadAhead returns")
}

func TestDispatcher_AddMigration_RootRunsInline(t *testing.T) {
	d := newTestDispatcher(t)

	root := NewTabletId(KindRoot, "!0", "")
	ranInline := false
	require.NoError(t, d.AddMigration(context.Background(), root, func(ctx context.Context) {
		ranInline = true
	}))
	assert.True(t, ranInline)
}

func TestDispatcher_ExecuteMajorCompaction_Routing(t *testing.T) {
	d := newTestDispatcher(t)

	for _, tc := range []struct {
		name string
		kind Kind
	}{
		{"root", KindRoot},
		{"metadata", KindMetadata},
		{"user", KindUser},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tablet := NewTabletId(tc.kind, "t", "r")
			ran := make(chan struct{})
			err := d.ExecuteMajorCompaction(context.Background(), tablet, CompactionJob{FileCount: 1, Run: func() { close(ran) }})
			require.NoError(t, err)
			<-ran
		})
	}
}

func TestDispatcher_AddAssignment_ManyDistinctTablets(t *testing.T) {
	d := newTestDispatcher(t)

	const n = 20
	ran := make(chan TabletId, n)
	for i := 0; i < n; i++ {
		tablet := newSyntheticTabletId(KindUser, "t")
		require.NoError(t, d.AddAssignment(context.Background(), func(ctx context.Context) { ran <- tablet }))
	}

	seen := make(map[TabletId]bool, n)
	for i := 0; i < n; i++ {
		seen[<-ran] = true
	}
	assert.Len(t, seen, n, "synthetic tablet ids must not collide")
}

func TestDispatcher_UnknownPool(t *testing.T) {
	d := &Dispatcher{registry: newPoolRegistry(log.NewNopLogger(), nil), logger: log.NewNopLogger()}
	err := d.ExecuteMinorCompaction(context.Background(), func(ctx context.Context) {})
	assert.Error(t, err)
}
