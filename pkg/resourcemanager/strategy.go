// SPDX-License-Identifier: AGPL-3.0-only

package resourcemanager

import (
	"sync"

	"github.com/pkg/errors"
)

// CompactionReason names why a major-compaction adjudication was
// requested.
type CompactionReason int

const (
	// ReasonUser is an explicit user-requested compaction: always runs.
	ReasonUser CompactionReason = iota
	// ReasonIdle is triggered after a tablet has been idle past its
	// table's idle-compact threshold.
	ReasonIdle
	// ReasonSystem covers any other system-driven trigger (e.g. the number
	// of files crossing a policy-defined threshold); it defers entirely to
	// the CompactionStrategy.
	ReasonSystem
)

// MajorCompactionRequest is handed to a CompactionStrategy's ShouldCompact.
// Filesystem is the tablet's own ScanFileManager, letting a strategy inspect
// file-descriptor/reservation state beyond the plain file-name list.
type MajorCompactionRequest struct {
	Tablet     TabletId
	Reason     CompactionReason
	Filesystem ScanFileManager
	Config     TableConfig
	Files      []string
}

// CompactionStrategy decides whether a set of files warrants a major
// compaction right now. Implementations may perform I/O and may fail;
// callers are expected to swallow failures and treat them as "false".
type CompactionStrategy interface {
	Init(options map[string]string) error
	ShouldCompact(req MajorCompactionRequest) (bool, error)
}

// StrategyFactory constructs a fresh CompactionStrategy instance.
// Strategies may be stateful, so the registry hands back a new instance
// for every adjudication rather than a shared singleton.
type StrategyFactory func() CompactionStrategy

var (
	strategyRegistryMu sync.RWMutex
	strategyRegistry   = map[string]StrategyFactory{}
)

// RegisterCompactionStrategy adds a named strategy constructor. Called from
// init() by collaborators providing concrete strategies; the resource
// manager itself registers only the built-in "default" class below.
func RegisterCompactionStrategy(name string, factory StrategyFactory) {
	strategyRegistryMu.Lock()
	defer strategyRegistryMu.Unlock()
	strategyRegistry[name] = factory
}

// newCompactionStrategy builds and initializes a fresh strategy instance by
// class name: construct a fresh CompactionStrategy from config, initialize
// it with the strategy options.
func newCompactionStrategy(class string, options map[string]string) (CompactionStrategy, error) {
	strategyRegistryMu.RLock()
	factory, ok := strategyRegistry[class]
	strategyRegistryMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("resourcemanager: unknown compaction strategy class %q", class)
	}

	s := factory()
	if err := s.Init(options); err != nil {
		return nil, errors.Wrapf(err, "initializing compaction strategy %q", class)
	}
	return s, nil
}

func init() {
	RegisterCompactionStrategy("default", func() CompactionStrategy { return &defaultCompactionStrategy{} })
}

// defaultCompactionStrategy compacts once the tablet has at least min_files
// files (2 unless the min_files option says otherwise). ShouldCompact never
// fails; Init fails only for a non-numeric min_files option.
type defaultCompactionStrategy struct {
	minFiles int
}

func (d *defaultCompactionStrategy) Init(options map[string]string) error {
	d.minFiles = 2
	if v, ok := options["min_files"]; ok && v != "" {
		n := 0
		for _, r := range v {
			if r < '0' || r > '9' {
				return errors.Errorf("invalid min_files option %q", v)
			}
			n = n*10 + int(r-'0')
		}
		if n > 0 {
			d.minFiles = n
		}
	}
	return nil
}

func (d *defaultCompactionStrategy) ShouldCompact(req MajorCompactionRequest) (bool, error) {
	return len(req.Files) >= d.minFiles, nil
}
