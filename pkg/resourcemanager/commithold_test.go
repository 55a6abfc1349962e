// SPDX-License-Identifier: AGPL-3.0-only

package resourcemanager

import (
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitHoldGate_NotHeldReturnsImmediately(t *testing.T) {
	g := newCommitHoldGate(log.NewNopLogger())
	require.NoError(t, g.WaitUntilCommitsEnabled(time.Second))
}

func TestCommitHoldGate_ReleaseWakesWaiter(t *testing.T) {
	g := newCommitHoldGate(log.NewNopLogger())
	g.Set(true)
	assert.Greater(t, g.HoldTime(), time.Duration(0))

	done := make(chan error, 1)
	go func() {
		done <- g.WaitUntilCommitsEnabled(5 * time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	g.Set(false)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken after release")
	}
	assert.Equal(t, time.Duration(0), g.HoldTime())
}

func TestCommitHoldGate_Timeout(t *testing.T) {
	g := newCommitHoldGate(log.NewNopLogger())
	g.Set(true)
	defer g.Set(false)

	err := g.WaitUntilCommitsEnabled(50 * time.Millisecond)
	var timeout *HoldTimeoutError
	assert.ErrorAs(t, err, &timeout)
}

func TestCommitHoldGate_SetIsIdempotent(t *testing.T) {
	g := newCommitHoldGate(log.NewNopLogger())
	g.Set(false)
	assert.Equal(t, time.Duration(0), g.HoldTime())
}

// TestMemoryController_BackPressure_TripsAndReleasesGate checks that two
// tablets totalling 980_000 of a 1_000_000 ceiling trip the gate, and that
// dropping one tablet's usage to 100_000 releases it within one guard pass.
func TestMemoryController_BackPressure_TripsAndReleasesGate(t *testing.T) {
	gate := newCommitHoldGate(log.NewNopLogger())
	policy := &largestFirstMemoryManager{}
	c := newMemoryController(1_000_000, policy, gate, log.NewNopLogger())

	tabletA := &TabletHandle{tablet: NewTabletId(KindUser, "t", "a")}
	tabletB := &TabletHandle{tablet: NewTabletId(KindUser, "t", "b")}

	c.upsert(reportMsg{handle: tabletA, report: TabletReport{Tablet: tabletA.tablet, MemtableBytes: 500_000}})
	c.upsert(reportMsg{handle: tabletB, report: TabletReport{Tablet: tabletB.tablet, MemtableBytes: 480_000}})
	c.maybeAggregate()
	assert.Greater(t, gate.HoldTime(), time.Duration(0))

	c.upsert(reportMsg{handle: tabletB, report: TabletReport{Tablet: tabletB.tablet, MemtableBytes: 100_000}})
	c.maybeAggregate()
	assert.Equal(t, time.Duration(0), gate.HoldTime())
}
