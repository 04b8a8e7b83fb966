// Package bat implements the block address translation lookup table.
//
// The table has one entry per 128 KiB block of the effective address space.
// Each entry holds the physical block address and a few flag bits, so that a
// translation is a single indexed load.
package bat

import (
	"github.com/sarchlab/ppcmmu/mem/vm"
	"go.uber.org/zap"
)

// Block geometry.
const (
	BlockShift = 17
	BlockSize  = 1 << BlockShift
	NumEntries = 1 << (32 - BlockShift)
)

const (
	flagMapped   = 1 << 0
	flagPhysical = 1 << 1
	flagWI       = 1 << 2
	ppShift      = 3
	wimgShift    = 5
	blockMask    = ^uint32(BlockSize - 1)
)

// Entry is the decoded content of one table slot.
type Entry struct {
	PAddr    uint32
	WIMG     uint8
	PP       uint8
	Physical bool
}

// WI tells if the block is write-through or cache-inhibited.
func (e Entry) WI() bool {
	return e.WIMG&(vm.WIMGWriteThrough|vm.WIMGCacheInhibit) != 0
}

// Environment supplies what a rebuild needs beyond the BAT registers.
type Environment struct {
	ProblemState bool
	Memory       interface{ Contains(addr, length uint32) bool }
	Watches      vm.RangeChecker
	Logger       *zap.Logger
}

// A Table maps effective block numbers to physical blocks.
type Table struct {
	entries []uint32
}

// NewTable creates a table with nothing mapped.
func NewTable() *Table {
	return &Table{entries: make([]uint32, NumEntries)}
}

// Lookup returns the entry that covers ea, if any.
func (t *Table) Lookup(ea uint32) (Entry, bool) {
	raw := t.entries[ea>>BlockShift]
	if raw&flagMapped == 0 {
		return Entry{}, false
	}

	return Entry{
		PAddr:    raw&blockMask | ea&^blockMask,
		WIMG:     uint8(raw >> wimgShift & 0xf),
		PP:       uint8(raw >> ppShift & 3),
		Physical: raw&flagPhysical != 0,
	}, true
}

// Translate resolves ea through the table and checks the block protection.
func (t *Table) Translate(ea uint32, write bool) (Entry, error) {
	e, ok := t.Lookup(ea)
	if !ok {
		return Entry{}, vm.ErrNotMapped
	}

	if !PermitsAccess(e.PP, write) {
		return Entry{}, vm.ErrPermissionDenied
	}

	return e, nil
}

// PermitsAccess applies the block protection bits.
func PermitsAccess(pp uint8, write bool) bool {
	switch pp & 3 {
	case 0:
		return false
	case 2:
		return true
	default:
		return !write
	}
}

// Clear unmaps every block.
func (t *Table) Clear() {
	clear(t.entries)
}

// Rebuild replaces the whole table with the translations described by pairs.
// A pair that is invalid for the current privilege state is skipped. Pairs are
// applied in order, so a later pair wins where two overlap.
func (t *Table) Rebuild(pairs []vm.BATPair, env Environment) {
	t.Clear()

	for i, p := range pairs {
		if !p.ValidFor(env.ProblemState) {
			continue
		}

		bepi := p.Upper.BEPI()
		brpn := p.Lower.BRPN()
		bl := p.Upper.BL()

		if env.Logger != nil {
			if !vm.IsLowMask(bl) {
				env.Logger.Warn("bat length mask has holes",
					zap.Int("index", i), zap.Uint32("bl", bl))
			}

			if bepi&bl != 0 || brpn&bl != 0 {
				env.Logger.Warn("bat block is not aligned to its length",
					zap.Int("index", i),
					zap.Uint32("bepi", bepi),
					zap.Uint32("brpn", brpn),
					zap.Uint32("bl", bl))
			}
		}

		t.fill(p, env)
	}
}

// fill writes the entries of one pair. Every j whose bits lie within BL
// selects a block; BEPI and BRPN are combined with j by OR, matching the
// hardware's handling of misaligned blocks.
func (t *Table) fill(p vm.BATPair, env Environment) {
	bepi := p.Upper.BEPI()
	brpn := p.Lower.BRPN()
	bl := p.Upper.BL()
	wimg := p.Lower.WIMG()

	flags := uint32(flagMapped) |
		uint32(p.Lower.PP())<<ppShift |
		uint32(wimg)<<wimgShift
	if wimg&(vm.WIMGWriteThrough|vm.WIMGCacheInhibit) != 0 {
		flags |= flagWI
	}

	for j := uint32(0); j <= bl; j++ {
		if j&bl != j {
			continue
		}

		ea := (bepi | j) << BlockShift
		pa := (brpn | j) << BlockShift

		entry := pa | flags
		if isPhysical(ea, pa, wimg, env) {
			entry |= flagPhysical
		}

		t.entries[bepi|j] = entry
	}
}

func isPhysical(ea, pa uint32, wimg uint8, env Environment) bool {
	if wimg&vm.DirectIneligible != 0 {
		return false
	}

	if env.Memory != nil && !env.Memory.Contains(pa, BlockSize) {
		return false
	}

	if env.Watches != nil && env.Watches.Overlaps(ea, BlockSize) {
		return false
	}

	return true
}
