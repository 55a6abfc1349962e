// SPDX-License-Identifier: AGPL-3.0-only

package resourcemanager

import (
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/weaveworks/common/mtime"
)

// commitHoldPollInterval is how often WaitUntilCommitsEnabled re-checks the
// gate while waiting.
const commitHoldPollInterval = 1 * time.Second

// CommitHoldGate is the back-pressure switch the guard task flips. Writers
// call WaitUntilCommitsEnabled before committing; transitions are driven
// only by the guard.
type CommitHoldGate struct {
	mu        sync.Mutex
	held      bool
	heldSince time.Time
	waiters   []chan struct{}

	logger log.Logger
}

func newCommitHoldGate(logger log.Logger) *CommitHoldGate {
	return &CommitHoldGate{logger: logger}
}

// Set transitions the gate; no-op if the state doesn't actually change.
func (g *CommitHoldGate) Set(held bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if held == g.held {
		return
	}

	if held {
		g.held = true
		g.heldSince = mtime.Now()
		return
	}

	elapsed := mtime.Now().Sub(g.heldSince)
	g.held = false
	level.Info(g.logger).Log("msg", "commit hold released", "held_for", elapsed.String())

	for _, w := range g.waiters {
		close(w)
	}
	g.waiters = nil
}

// HoldTime returns how long the gate has been continuously held, or 0.
func (g *CommitHoldGate) HoldTime() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.held {
		return 0
	}
	return mtime.Now().Sub(g.heldSince)
}

// WaitUntilCommitsEnabled blocks until the gate is released or rpcTimeout
// elapses, polling once a second (spurious wakeups are tolerated by
// re-checking the condition). Returns HoldTimeoutError on deadline
// exceeded.
func (g *CommitHoldGate) WaitUntilCommitsEnabled(rpcTimeout time.Duration) error {
	g.mu.Lock()
	if !g.held {
		g.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	g.waiters = append(g.waiters, ch)
	g.mu.Unlock()

	deadline := time.NewTimer(rpcTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(commitHoldPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ch:
			return nil
		case <-ticker.C:
			g.mu.Lock()
			stillHeld := g.held
			g.mu.Unlock()
			if !stillHeld {
				return nil
			}
		case <-deadline.C:
			g.mu.Lock()
			stillHeld := g.held
			g.mu.Unlock()
			if !stillHeld {
				return nil
			}
			return &HoldTimeoutError{WaitedFor: rpcTimeout.String()}
		}
	}
}
