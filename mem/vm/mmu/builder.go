package mmu

import (
	"github.com/sarchlab/ppcmmu/mem/vm"
	"github.com/sarchlab/ppcmmu/mem/vm/bat"
	"github.com/sarchlab/ppcmmu/mem/vm/tlb"
	"go.uber.org/zap"
)

// A Builder can build MMU components.
type Builder struct {
	memory       vm.PhysicalMemory
	watches      vm.RangeChecker
	logger       *zap.Logger
	numTLBSets   int
	numTLBWays   int
	extendedBATs bool
	codeCaches   []CodeCache
	hostMapper   HostMapper
}

// MakeBuilder creates a new builder.
func MakeBuilder() Builder {
	return Builder{
		numTLBSets: 128,
		numTLBWays: 2,
	}
}

// WithMemory sets the guest physical memory holding the page table.
func (b Builder) WithMemory(m vm.PhysicalMemory) Builder {
	b.memory = m
	return b
}

// WithWatches sets the watch ranges that keep BAT blocks off fastmem.
func (b Builder) WithWatches(w vm.RangeChecker) Builder {
	b.watches = w
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l *zap.Logger) Builder {
	b.logger = l
	return b
}

// WithTLBGeometry sets the number of sets and ways of each translation
// cache side.
func (b Builder) WithTLBGeometry(numSets, numWays int) Builder {
	b.numTLBSets = numSets
	b.numTLBWays = numWays

	return b
}

// WithExtendedBATs enables eight BAT pairs per side instead of four.
func (b Builder) WithExtendedBATs(enabled bool) Builder {
	b.extendedBATs = enabled
	return b
}

// WithCodeCache adds a code cache to notify on invalidations.
func (b Builder) WithCodeCache(cc CodeCache) Builder {
	b.codeCaches = append(b.codeCaches[:len(b.codeCaches):len(b.codeCaches)], cc)
	return b
}

// WithHostMapper sets the owner of direct host mappings.
func (b Builder) WithHostMapper(m HostMapper) Builder {
	b.hostMapper = m
	return b
}

// Build returns a newly created MMU with translation enabled, every segment
// register zero and every BAT invalid.
func (b Builder) Build(name string) *Comp {
	if b.memory == nil {
		panic("mmu requires physical memory")
	}

	c := &Comp{
		name:       name,
		memory:     b.memory,
		watches:    b.watches,
		logger:     b.logger,
		codeCaches: b.codeCaches,
		hostMapper: b.hostMapper,
		msr:        vm.MSR{IR: true, DR: true},
		ibatTable:  bat.NewTable(),
		dbatTable:  bat.NewTable(),
		tlb: tlb.MakeBuilder().
			WithNumSets(b.numTLBSets).
			WithNumWays(b.numTLBWays).
			Build(),
	}

	if c.logger == nil {
		c.logger = zap.NewNop()
	}

	numBATs := 4
	if b.extendedBATs {
		numBATs = 8
	}

	c.ibat = make([]vm.BATPair, numBATs)
	c.dbat = make([]vm.BATPair, numBATs)
	c.pageTable = vm.PageTableFrom(0)

	return c
}
