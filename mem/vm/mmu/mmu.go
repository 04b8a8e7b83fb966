// Package mmu implements the guest memory management unit: translation of
// effective addresses through the BATs and the hashed page table, and the
// coordination that keeps the translation cache, the host mappings and
// compiled code coherent with the translation registers.
package mmu

import (
	"encoding/binary"

	"github.com/sarchlab/ppcmmu/mem/vm"
	"github.com/sarchlab/ppcmmu/mem/vm/bat"
	"github.com/sarchlab/ppcmmu/mem/vm/tlb"
	"github.com/sarchlab/ppcmmu/sim/hooking"
	"go.uber.org/zap"
)

// Comp is the MMU context. It owns the translation registers; every register
// change goes through one of its mutators so that derived state is dropped
// before the change returns.
//
// A Comp is driven by a single emulation thread. Other goroutines must pause
// the emulated CPU before calling it.
type Comp struct {
	hooking.HookableBase

	name   string
	logger *zap.Logger

	memory  vm.PhysicalMemory
	watches vm.RangeChecker

	hostMapper HostMapper
	codeCaches []CodeCache

	msr  vm.MSR
	sr   [vm.NumSegments]vm.SegmentRegister
	ibat []vm.BATPair
	dbat []vm.BATPair
	sdr1 vm.SDR1

	pageTable vm.PageTable
	ibatTable *bat.Table
	dbatTable *bat.Table
	tlb       *tlb.Cache
}

// Name returns the name of the MMU.
func (c *Comp) Name() string {
	return c.name
}

// SetHostMapper sets the owner of direct host mappings. The host mapper
// usually depends on the MMU, so it is attached after both are built.
func (c *Comp) SetHostMapper(m HostMapper) {
	c.hostMapper = m
}

// AddCodeCache registers a code cache to notify on invalidations.
func (c *Comp) AddCodeCache(cc CodeCache) {
	c.codeCaches = append(c.codeCaches, cc)
}

// MSR returns the current machine state bits.
func (c *Comp) MSR() vm.MSR { return c.msr }

// SR returns a segment register.
func (c *Comp) SR(index int) vm.SegmentRegister { return c.sr[index] }

// SDR1 returns the page table register.
func (c *Comp) SDR1() vm.SDR1 { return c.sdr1 }

// PageTable returns the geometry derived from SDR1.
func (c *Comp) PageTable() vm.PageTable { return c.pageTable }

// NumBATs returns the number of BAT pairs per side.
func (c *Comp) NumBATs() int { return len(c.dbat) }

// IBAT returns an instruction BAT pair.
func (c *Comp) IBAT(index int) vm.BATPair { return c.ibat[index] }

// DBAT returns a data BAT pair.
func (c *Comp) DBAT(index int) vm.BATPair { return c.dbat[index] }

// TLB returns the translation cache, for inspection.
func (c *Comp) TLB() *tlb.Cache { return c.tlb }

// IsPageTableRange tells if any byte of the physical range belongs to the
// current page table.
func (c *Comp) IsPageTableRange(paddr, length uint32) bool {
	return c.pageTable.Overlaps(paddr, length)
}

// Translate converts an effective address to a physical address. BATs take
// priority over the page table. Failures are *vm.TranslationError values
// wrapping ErrNotMapped, ErrPermissionDenied or ErrDirectStore.
func (c *Comp) Translate(ea uint32, kind vm.AccessKind) (vm.Result, error) {
	if !c.msr.RelocationEnabled(kind) {
		return c.realModeResult(ea), nil
	}

	res, hit, err := c.TranslateViaBAT(ea, kind)
	if !hit {
		res, err = c.TranslateViaPageTable(ea, kind)
	}

	if err != nil {
		return vm.Result{}, &vm.TranslationError{Addr: ea, Kind: kind, Err: err}
	}

	return res, nil
}

func (c *Comp) realModeResult(ea uint32) vm.Result {
	page := ea &^ vm.PageMask
	direct := c.memory.Contains(page, vm.PageSize)

	if direct && c.watches != nil && c.watches.Overlaps(page, vm.PageSize) {
		direct = false
	}

	return vm.Result{
		PAddr:      ea,
		Source:     vm.SourceReal,
		Writable:   true,
		Referenced: true,
		Changed:    true,
		Direct:     direct,
	}
}

// TranslateViaBAT resolves ea through the BAT table of the access side. It
// reports whether a block covers ea; when one does, the page table is never
// consulted, even if the block denies the access.
func (c *Comp) TranslateViaBAT(
	ea uint32,
	kind vm.AccessKind,
) (res vm.Result, hit bool, err error) {
	table := c.dbatTable
	if kind.IsInstruction() {
		table = c.ibatTable
	}

	e, ok := table.Lookup(ea)
	if !ok {
		return vm.Result{}, false, nil
	}

	if !bat.PermitsAccess(e.PP, kind.IsWrite()) {
		return vm.Result{}, true, vm.ErrPermissionDenied
	}

	return vm.Result{
		PAddr:      e.PAddr,
		Source:     vm.SourceBAT,
		WIMG:       e.WIMG,
		Writable:   bat.PermitsAccess(e.PP, true),
		Referenced: true,
		Changed:    true,
		Direct:     e.Physical,
	}, true, nil
}

// BATEntry returns the block translation covering ea on the given side.
func (c *Comp) BATEntry(instruction bool, ea uint32) (bat.Entry, bool) {
	if instruction {
		return c.ibatTable.Lookup(ea)
	}

	return c.dbatTable.Lookup(ea)
}

func (c *Comp) rebuildBATs(instruction bool) {
	env := bat.Environment{
		ProblemState: c.msr.PR,
		Memory:       c.memory,
		Watches:      c.watches,
		Logger:       c.logger,
	}

	if instruction {
		c.ibatTable.Rebuild(c.ibat, env)
	} else {
		c.dbatTable.Rebuild(c.dbat, env)
	}
}

func (c *Comp) loadWord(paddr uint32) (uint32, error) {
	var buf [4]byte

	if err := c.memory.ReadBytes(paddr, buf[:]); err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint32(buf[:]), nil
}

func (c *Comp) storeWord(paddr, v uint32) error {
	var buf [4]byte

	binary.BigEndian.PutUint32(buf[:], v)

	return c.memory.WriteBytes(paddr, buf[:])
}

func (c *Comp) loadPTE(paddr uint32) (vm.PTE, error) {
	w0, err := c.loadWord(paddr)
	if err != nil {
		return vm.PTE{}, err
	}

	w1, err := c.loadWord(paddr + 4)
	if err != nil {
		return vm.PTE{}, err
	}

	return vm.PTE{Word0: w0, Word1: w1}, nil
}
