// Package hsalloc is a hardened small-object allocator. Small requests
// flow through a three-tier pipeline (thread cache, central cache of
// slabs, OS page supplier); freed slots sit in a poisoning quarantine
// before reuse; large requests get their own page run with a trailing
// guard page. Corrupted redzones, double frees and frees of foreign
// pointers are fatal by design.
package hsalloc

import (
	"errors"

	"github.com/nmxmxh/hsalloc/central"
	"github.com/nmxmxh/hsalloc/osmem"
	"github.com/nmxmxh/hsalloc/quarantine"
	"github.com/nmxmxh/hsalloc/slab"
	"github.com/nmxmxh/hsalloc/tcache"
	"github.com/nmxmxh/hsalloc/utils"
)

// ErrOutOfMemory is returned when the page supplier cannot satisfy a
// request. The allocator never retries: it is a leaf subsystem with no way
// to stall its callers.
var ErrOutOfMemory = errors.New("hsalloc: out of memory")

// Options configures an Allocator. The zero value selects the mmap-backed
// supplier and a default logger.
type Options struct {
	Supplier osmem.Supplier
	Logger   *utils.Logger

	// QuarantineThreshold overrides the purge threshold. Tests only.
	QuarantineThreshold uintptr
}

// Allocator owns the process-wide state: the central cache of slabs and
// the global quarantine. Allocation entry points live on ThreadCache
// handles obtained from NewThreadCache, one per goroutine.
type Allocator struct {
	mem     osmem.Supplier
	central *central.Cache
	global  *quarantine.Global
	log     *utils.Logger
}

// New creates an allocator.
func New(opts Options) *Allocator {
	if opts.Supplier == nil {
		opts.Supplier = osmem.System{}
	}
	if opts.Logger == nil {
		opts.Logger = utils.DefaultLogger("hsalloc")
	}

	c := central.New(opts.Supplier)
	g := quarantine.NewGlobal(c, opts.Supplier, opts.Logger, quarantine.GlobalOptions{
		Threshold: opts.QuarantineThreshold,
	})

	a := &Allocator{
		mem:     opts.Supplier,
		central: c,
		global:  g,
		log:     opts.Logger,
	}

	a.log.Debug("allocator ready",
		utils.Int("size_classes", slab.NumClasses),
		utils.Int("max_small", slab.MaxSmallSize),
		utils.Int("batch_size", slab.BatchSize))
	return a
}

// NewThreadCache returns a per-goroutine handle carrying the allocation
// entry points. A handle must not be shared between goroutines.
func (a *Allocator) NewThreadCache() *ThreadCache {
	return &ThreadCache{
		a:  a,
		tc: tcache.New(a.central, a.global, a.mem),
	}
}

// Stats aggregates the counters of the whole pipeline.
type Stats struct {
	Central    central.Stats
	Quarantine quarantine.Stats
}

// GetStats snapshots the allocator counters.
func (a *Allocator) GetStats() Stats {
	return Stats{
		Central:    a.central.GetStats(),
		Quarantine: a.global.GetStats(),
	}
}
