// SPDX-License-Identifier: AGPL-3.0-only

package resourcemanager

import (
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPolicy struct {
	recommend []TabletId
}

func (p *recordingPolicy) Init(Config) error               { return nil }
func (p *recordingPolicy) Recommend([]TabletReport) []TabletId { return p.recommend }
func (p *recordingPolicy) TabletClosed(TabletId)            {}

func TestMemoryController_InitiatorPass_CallsInitiate(t *testing.T) {
	tablet := NewTabletId(KindUser, "t", "r")
	called := false
	mgr := &ResourceManager{logger: log.NewNopLogger()}
	h := newTabletHandle(mgr, tablet, TableConfig{}, func(CompactionReason) bool {
		called = true
		return true
	}, nil, log.NewNopLogger())

	policy := &recordingPolicy{recommend: []TabletId{tablet}}
	gate := newCommitHoldGate(log.NewNopLogger())
	c := newMemoryController(1<<30, policy, gate, log.NewNopLogger())
	c.upsert(reportMsg{handle: h, report: TabletReport{Tablet: tablet}})

	c.initiatorPass()
	assert.True(t, called)
}

func TestMemoryController_InitiatorPass_UnknownTabletWarnsAndSkips(t *testing.T) {
	tablet := NewTabletId(KindUser, "t", "r")
	policy := &recordingPolicy{recommend: []TabletId{tablet}}
	gate := newCommitHoldGate(log.NewNopLogger())
	c := newMemoryController(1<<30, policy, gate, log.NewNopLogger())

	require.NotPanics(t, c.initiatorPass)
}

// TestMemoryController_ClosedTabletCleanup checks that after a handle
// closes, removeIfSameInstance must not evict an entry a newer handle with
// the same TabletId has since registered.
func TestMemoryController_ClosedTabletCleanup(t *testing.T) {
	tablet := NewTabletId(KindUser, "t", "r")
	mgr := &ResourceManager{logger: log.NewNopLogger()}

	oldHandle := newTabletHandle(mgr, tablet, TableConfig{}, func(CompactionReason) bool { return false }, nil, log.NewNopLogger())
	newHandle := newTabletHandle(mgr, tablet, TableConfig{}, func(CompactionReason) bool { return false }, nil, log.NewNopLogger())
	oldHandle.closed.Store(true)

	policy := &recordingPolicy{}
	gate := newCommitHoldGate(log.NewNopLogger())
	c := newMemoryController(1<<30, policy, gate, log.NewNopLogger())

	c.upsert(reportMsg{handle: newHandle, report: TabletReport{Tablet: tablet}})
	c.removeIfSameInstance(tablet, oldHandle)

	_, ok := c.reports[tablet]
	assert.True(t, ok, "removeIfSameInstance must not evict a newer handle's entry")

	c.removeIfSameInstance(tablet, newHandle)
	_, ok = c.reports[tablet]
	assert.False(t, ok)
}

func TestMemoryController_Forget_OnlyRemovesOwnEntry(t *testing.T) {
	tablet := NewTabletId(KindUser, "t", "r")
	mgr := &ResourceManager{logger: log.NewNopLogger()}
	h1 := newTabletHandle(mgr, tablet, TableConfig{}, nil, nil, log.NewNopLogger())
	h2 := newTabletHandle(mgr, tablet, TableConfig{}, nil, nil, log.NewNopLogger())

	policy := &recordingPolicy{}
	gate := newCommitHoldGate(log.NewNopLogger())
	c := newMemoryController(1<<30, policy, gate, log.NewNopLogger())

	c.upsert(reportMsg{handle: h2, report: TabletReport{Tablet: tablet}})
	c.forget(h1)

	_, ok := c.reports[tablet]
	assert.True(t, ok)

	c.forget(h2)
	_, ok = c.reports[tablet]
	assert.False(t, ok)
}
