// SPDX-License-Identifier: AGPL-3.0-only

package resourcemanager

import (
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaveworks/common/mtime"
)

func testHandle(t *testing.T, tableCfg TableConfig) (*TabletHandle, *memoryController) {
	t.Helper()
	gate := newCommitHoldGate(log.NewNopLogger())
	policy := &largestFirstMemoryManager{}
	controller := newMemoryController(1<<30, policy, gate, log.NewNopLogger())

	mgr := &ResourceManager{
		controller: controller,
		policy:     policy,
		gate:       gate,
		logger:     log.NewNopLogger(),
	}

	tablet := NewTabletId(KindUser, "t1", "row9")
	h := newTabletHandle(mgr, tablet, tableCfg, func(CompactionReason) bool { return true }, nil, log.NewNopLogger())
	return h, controller
}

// base is far enough past the zero value of last_commit_time that the
// first update_memory call always naturally qualifies to publish, exactly
// as it would with a real wall clock.
var base = time.Unix(100_000, 0)

func TestTabletHandle_Throttling_PublishIntervalGate(t *testing.T) {
	mtime.NowForce(base)
	defer mtime.NowReset()

	h, controller := testHandle(t, TableConfig{})

	h.UpdateMemory(1_000, 0)
	require.Equal(t, 1, len(controller.reportCh))
	<-controller.reportCh

	h.UpdateMemory(1_010, 0)
	assert.Equal(t, 0, len(controller.reportCh))

	mtime.NowForce(base.Add(1_001 * time.Millisecond))
	h.UpdateMemory(1_020, 0)
	require.Equal(t, 1, len(controller.reportCh))
	msg := <-controller.reportCh
	assert.Equal(t, base.Add(1_001*time.Millisecond).UnixMilli(), msg.report.LastCommitTimeMs)
}

func TestTabletHandle_MincBoundary_DeltaThreshold(t *testing.T) {
	mtime.NowForce(base)
	defer mtime.NowReset()

	h, controller := testHandle(t, TableConfig{})

	h.UpdateMemory(5_000, 0)
	require.Equal(t, 1, len(controller.reportCh))
	<-controller.reportCh

	h.UpdateMemory(5_000, 1)
	require.Equal(t, 1, len(controller.reportCh))
	<-controller.reportCh

	h.UpdateMemory(5_000, 2)
	assert.Equal(t, 0, len(controller.reportCh))
}

func TestTabletHandle_NeedsMajorCompaction_UserAlwaysTrue(t *testing.T) {
	h, _ := testHandle(t, TableConfig{CompactionStrategyClass: "default"})
	assert.True(t, h.NeedsMajorCompaction(nil, ReasonUser))
}

func TestTabletHandle_NeedsMajorCompaction_IdleBeforeThreshold(t *testing.T) {
	h, _ := testHandle(t, TableConfig{CompactionStrategyClass: "default", IdleCompactThreshold: time.Hour})
	assert.False(t, h.NeedsMajorCompaction([]string{"a", "b"}, ReasonIdle))
}

func TestTabletHandle_NeedsMajorCompaction_SystemDelegatesToStrategy(t *testing.T) {
	h, _ := testHandle(t, TableConfig{CompactionStrategyClass: "default", StrategyOptions: map[string]string{"min_files": "2"}})
	assert.False(t, h.NeedsMajorCompaction([]string{"a"}, ReasonSystem))
	assert.True(t, h.NeedsMajorCompaction([]string{"a", "b"}, ReasonSystem))
}

func TestTabletHandle_Close(t *testing.T) {
	h, controller := testHandle(t, TableConfig{})

	h.UpdateMemory(10, 0)
	controller.upsert(<-controller.reportCh)

	require.NoError(t, h.Close())
	assert.True(t, h.IsClosed())

	err := h.Close()
	var alreadyClosed *AlreadyClosedError
	assert.ErrorAs(t, err, &alreadyClosed)

	_, ok := controller.reports[h.Tablet()]
	assert.False(t, ok)
}

func TestTabletHandle_Close_OpenFilesReserved(t *testing.T) {
	h, _ := testHandle(t, TableConfig{})
	h.SetOpenFilesReserved(true)

	err := h.Close()
	var reserved *OpenFilesStillReservedError
	assert.ErrorAs(t, err, &reserved)
	assert.False(t, h.IsClosed())
}

func TestTabletHandle_ClosedRejectsFurtherUse(t *testing.T) {
	h, _ := testHandle(t, TableConfig{})
	require.NoError(t, h.Close())

	assert.False(t, h.InitiateMinorCompaction(ReasonSystem))
	assert.False(t, h.NeedsMajorCompaction(nil, ReasonUser))
	h.UpdateMemory(999_999, 0)
}
