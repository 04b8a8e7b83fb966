package mmu

import (
	"fmt"
	"log"

	"github.com/sarchlab/ppcmmu/mem/vm"
	"go.uber.org/zap"
)

// RegisterKind names a class of translation registers.
type RegisterKind int

// The register classes the MMU reacts to.
const (
	RegisterSR RegisterKind = iota
	RegisterIBAT
	RegisterDBAT
	RegisterSDR1
	RegisterMSR
)

func (k RegisterKind) String() string {
	switch k {
	case RegisterSR:
		return "sr"
	case RegisterIBAT:
		return "ibat"
	case RegisterDBAT:
		return "dbat"
	case RegisterSDR1:
		return "sdr1"
	case RegisterMSR:
		return "msr"
	default:
		return fmt.Sprintf("RegisterKind(%d)", int(k))
	}
}

const segmentSize = 1 << 28

// State is a snapshot of the translation registers.
type State struct {
	MSR  vm.MSR
	SR   [vm.NumSegments]vm.SegmentRegister
	IBAT []vm.BATPair
	DBAT []vm.BATPair
	SDR1 vm.SDR1
}

// State returns a copy of the translation registers.
func (c *Comp) State() State {
	return State{
		MSR:  c.msr,
		SR:   c.sr,
		IBAT: append([]vm.BATPair(nil), c.ibat...),
		DBAT: append([]vm.BATPair(nil), c.dbat...),
		SDR1: c.sdr1,
	}
}

// LoadState replaces every translation register at once and drops all
// derived state. BAT pairs beyond the configured count are ignored.
func (c *Comp) LoadState(s State) {
	c.msr = s.MSR
	c.sr = s.SR
	c.sdr1 = s.SDR1

	clear(c.ibat)
	clear(c.dbat)
	copy(c.ibat, s.IBAT)
	copy(c.dbat, s.DBAT)

	c.derivePageTable()
	c.rebuildBATs(true)
	c.rebuildBATs(false)
	c.flushTLB()
	c.unmapAll()
	c.clearCode()
}

// SetSR writes a segment register.
func (c *Comp) SetSR(index int, v vm.SegmentRegister) {
	c.sr[index] = v
	c.fire(HookPosRegisterWrite, RegisterWrite{
		Kind: RegisterSR, Index: index, Value: uint64(v),
	})

	c.segmentChanged(uint32(index)<<28, segmentSize)
}

// SetIBAT writes an instruction BAT pair.
func (c *Comp) SetIBAT(index int, p vm.BATPair) {
	c.ibat[index] = p
	c.fire(HookPosRegisterWrite, RegisterWrite{
		Kind: RegisterIBAT, Index: index, Value: batValue(p),
	})

	c.batsChanged(true)
}

// SetDBAT writes a data BAT pair.
func (c *Comp) SetDBAT(index int, p vm.BATPair) {
	c.dbat[index] = p
	c.fire(HookPosRegisterWrite, RegisterWrite{
		Kind: RegisterDBAT, Index: index, Value: batValue(p),
	})

	c.batsChanged(false)
}

func batValue(p vm.BATPair) uint64 {
	return uint64(p.Upper)<<32 | uint64(p.Lower)
}

// SetSDR1 moves or resizes the page table.
func (c *Comp) SetSDR1(v vm.SDR1) {
	c.sdr1 = v
	c.fire(HookPosRegisterWrite, RegisterWrite{
		Kind: RegisterSDR1, Value: uint64(v),
	})

	c.sdr1Changed()
}

// SetMSR updates the relocation and privilege bits.
func (c *Comp) SetMSR(m vm.MSR) {
	old := c.msr
	if old == m {
		return
	}

	c.msr = m
	c.fire(HookPosRegisterWrite, RegisterWrite{Kind: RegisterMSR})

	c.msrChanged(old.PR != m.PR)
}

// NotifyRegisterChanged runs the invalidations a change of the given class
// of registers requires, as if every register of the class was rewritten
// with its current value.
func (c *Comp) NotifyRegisterChanged(kind RegisterKind) {
	switch kind {
	case RegisterSR:
		c.segmentChanged(0, 0)
	case RegisterIBAT:
		c.batsChanged(true)
	case RegisterDBAT:
		c.batsChanged(false)
	case RegisterSDR1:
		c.sdr1Changed()
	case RegisterMSR:
		c.msrChanged(true)
	default:
		log.Panicf("unknown register kind %d", kind)
	}
}

// NotifyWatchpointChanged reacts to a watch range being added or removed.
// An added range loses its host mappings so every access traps. A removed
// range is unmapped too, which lets the host mapper forget that the range
// had to stay on the slow path. In both cases the BAT tables are rebuilt,
// since watched blocks are never direct.
func (c *Comp) NotifyWatchpointChanged(addr, length uint32, _ bool) {
	c.unmap(addr, length)
	c.rebuildBATs(true)
	c.rebuildBATs(false)
	c.invalidateCode(addr, length)
}

// InvalidateTLBEntry drops the cached translations of the page holding ea
// from both sides and unmaps the page.
func (c *Comp) InvalidateTLBEntry(ea uint32) {
	c.invalidateTLBPage(ea)
	c.unmap(ea&^vm.PageMask, vm.PageSize)
}

// segmentChanged handles a segment register change. A length of zero means
// every segment.
func (c *Comp) segmentChanged(addr, length uint32) {
	c.flushTLB()

	if c.hostMapper != nil {
		mapped := length == 0 || c.hostMapper.HasMappingsIn(addr, length)
		if mapped {
			c.unmapAll()
		}
	}

	if length == 0 {
		c.clearCode()
	} else {
		c.invalidateCode(addr, length)
	}
}

func (c *Comp) batsChanged(instruction bool) {
	c.rebuildBATs(instruction)
	c.flushTLB()
	c.unmapAll()
	c.clearCode()
}

func (c *Comp) sdr1Changed() {
	c.derivePageTable()
	c.flushTLB()
	c.unmapAll()
	c.clearCode()
}

func (c *Comp) msrChanged(privilegeChanged bool) {
	if privilegeChanged {
		c.rebuildBATs(true)
		c.rebuildBATs(false)
	}

	c.flushTLB()
	c.unmapAll()
	c.clearCode()
}

func (c *Comp) derivePageTable() {
	c.pageTable = vm.PageTableFrom(c.sdr1)

	if !vm.IsLowMask(c.sdr1.HTABMASK()) {
		c.logger.Warn("page table size mask has holes",
			zap.Uint32("htabmask", c.sdr1.HTABMASK()))
	}

	if c.pageTable.Misaligned() {
		c.logger.Warn("page table base is not aligned to its size",
			zap.Uint32("base", c.pageTable.Base),
			zap.Uint32("hashmask", c.pageTable.HashMask))
	}
}

// invalidatePage drops everything derived from the translation of one page.
func (c *Comp) invalidatePage(ea uint32) {
	page := ea &^ vm.PageMask

	c.invalidateTLBPage(page)
	c.unmap(page, vm.PageSize)
	c.invalidateCode(page, vm.PageSize)
}

func (c *Comp) invalidateTLBPage(ea uint32) {
	c.tlb.InvalidatePage(ea)
	c.fire(HookPosTLBInvalidate, Invalidation{
		Addr: ea &^ vm.PageMask, Length: vm.PageSize,
	})
}

func (c *Comp) flushTLB() {
	c.tlb.Flush()
	c.fire(HookPosTLBFlush, Invalidation{Global: true})
}

func (c *Comp) unmap(addr, length uint32) {
	if c.hostMapper == nil {
		return
	}

	c.hostMapper.Unmap(addr, length)
	c.fire(HookPosHostUnmap, Invalidation{Addr: addr, Length: length})
}

func (c *Comp) unmapAll() {
	if c.hostMapper == nil {
		return
	}

	c.hostMapper.UnmapAll()
	c.fire(HookPosHostUnmap, Invalidation{Global: true})
}

func (c *Comp) invalidateCode(addr, length uint32) {
	for _, cc := range c.codeCaches {
		cc.InvalidateRange(addr, length)
	}

	c.fire(HookPosCodeInvalidate, Invalidation{Addr: addr, Length: length})
}

func (c *Comp) clearCode() {
	for _, cc := range c.codeCaches {
		cc.ClearAll()
	}

	c.fire(HookPosCodeInvalidate, Invalidation{Global: true})
}
