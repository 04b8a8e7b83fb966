package mmu

import (
	"github.com/sarchlab/ppcmmu/mem/vm"
	"github.com/sarchlab/ppcmmu/mem/vm/tlb"
	"go.uber.org/zap"
)

// A Walk records how the page table was searched for one address.
type Walk struct {
	EA            uint32
	VSID          uint32
	Hash          uint32
	PrimaryPTEG   uint32
	SecondaryPTEG uint32

	Found     bool
	Secondary bool
	Slot      int
	Addr      uint32
	PTE       vm.PTE
}

// WalkPageTable searches the page table for ea the way a miss would, without
// touching R/C bits or the translation cache.
func (c *Comp) WalkPageTable(ea uint32) Walk {
	return c.walk(ea, c.sr[vm.SegmentOf(ea)].VSID())
}

func (c *Comp) walk(ea, vsid uint32) Walk {
	hash := vm.PrimaryHash(vsid, ea)
	w := Walk{
		EA:            ea,
		VSID:          vsid,
		Hash:          hash,
		PrimaryPTEG:   c.pageTable.PTEGAddr(hash),
		SecondaryPTEG: c.pageTable.PTEGAddr(^hash),
	}
	api := vm.APIOf(ea)

	for _, secondary := range [2]bool{false, true} {
		pteg := w.PrimaryPTEG
		if secondary {
			pteg = w.SecondaryPTEG
		}

		want := vm.MakePTEWord0(vsid, api, secondary)

		for slot := 0; slot < vm.PTEsPerGroup; slot++ {
			addr := pteg + uint32(slot*vm.PTESize)

			pte, err := c.loadPTE(addr)
			if err != nil {
				c.logger.Debug("page table entry outside memory",
					zap.Uint32("addr", addr))

				continue
			}

			if pte.Word0 != want {
				continue
			}

			w.Found = true
			w.Secondary = secondary
			w.Slot = slot
			w.Addr = addr
			w.PTE = pte

			return w
		}
	}

	return w
}

// TranslateViaPageTable resolves ea through the translation cache and, on a
// miss, the hashed page table. Non-probe accesses set R, and C for writes, in
// the PTE in guest memory and fill the translation cache.
func (c *Comp) TranslateViaPageTable(
	ea uint32,
	kind vm.AccessKind,
) (vm.Result, error) {
	sr := c.sr[vm.SegmentOf(ea)]
	vsid := sr.VSID()
	side := tlb.SideOf(kind)
	write := kind.IsWrite()

	if e, found := c.tlb.Lookup(side, ea, vsid); found &&
		!(write && e.PTE&vm.PTEChanged == 0) {
		pte := vm.PTE{Word1: e.PTE}
		if !c.pagePermits(sr, pte.PP(), write) {
			return vm.Result{}, vm.ErrPermissionDenied
		}

		if !kind.IsProbe() {
			c.tlb.Visit(side, ea, vsid)
		}

		return c.pageResult(ea, sr, e.PAddr, pte), nil
	}

	if sr.T() {
		return vm.Result{}, vm.ErrDirectStore
	}

	if kind.IsInstruction() && sr.N() {
		return vm.Result{}, vm.ErrNotMapped
	}

	w := c.walk(ea, vsid)
	if !w.Found {
		return vm.Result{}, vm.ErrNotMapped
	}

	pte := w.PTE
	if !c.pagePermits(sr, pte.PP(), write) {
		return vm.Result{}, vm.ErrPermissionDenied
	}

	ppage := pte.RPN() << vm.PageShift

	if kind.IsProbe() {
		return c.pageResult(ea, sr, ppage, pte), nil
	}

	word1 := pte.Word1 | vm.PTERef
	if write {
		word1 |= vm.PTEChanged
	}

	if word1 != pte.Word1 {
		if err := c.storeWord(w.Addr+4, word1); err != nil {
			c.logger.Warn("cannot update page table entry",
				zap.Uint32("addr", w.Addr), zap.Error(err))
		}

		pte.Word1 = word1
	}

	c.tlb.Insert(side, ea, vsid, ppage, pte.Word1)

	return c.pageResult(ea, sr, ppage, pte), nil
}

func (c *Comp) pageResult(
	ea uint32,
	sr vm.SegmentRegister,
	ppage uint32,
	pte vm.PTE,
) vm.Result {
	return vm.Result{
		PAddr:      ppage | ea&vm.PageMask,
		Source:     vm.SourcePageTable,
		WIMG:       pte.WIMG(),
		Writable:   c.pagePermits(sr, pte.PP(), true),
		Referenced: pte.Referenced(),
		Changed:    pte.Changed(),
		Direct:     pte.WIMG()&vm.DirectIneligible == 0,
	}
}

// pagePermits applies the page protection table. The key comes from Kp in
// problem state and Ks otherwise.
func (c *Comp) pagePermits(sr vm.SegmentRegister, pp uint8, write bool) bool {
	key := sr.Ks()
	if c.msr.PR {
		key = sr.Kp()
	}

	switch pp & 3 {
	case 0:
		return !key
	case 1:
		return !key || !write
	case 2:
		return true
	default:
		return !write
	}
}
