package vm

// PTE bit positions in the two words of a page table entry.
const (
	PTEValid   uint32 = 1 << 31
	PTEHash    uint32 = 1 << 6
	PTEChanged uint32 = 1 << 7
	PTERef     uint32 = 1 << 8
)

// PTESize is the size of a page table entry in bytes. A PTEG holds
// PTEsPerGroup entries.
const (
	PTESize      = 8
	PTEsPerGroup = 8
	PTEGSize     = PTESize * PTEsPerGroup
)

// A PTE is a page table entry as stored, big-endian, in guest memory.
//
// Word0 holds V, the VSID, the hash function flag H and the abbreviated page
// index. Word1 holds the real page number, the R and C bits, WIMG and PP.
type PTE struct {
	Word0 uint32
	Word1 uint32
}

// MakePTEWord0 encodes the first word of a valid PTE.
func MakePTEWord0(vsid, api uint32, secondary bool) uint32 {
	w := PTEValid | (vsid&0xffffff)<<7 | api&0x3f
	if secondary {
		w |= PTEHash
	}

	return w
}

// MakePTEWord1 encodes the second word of a PTE.
func MakePTEWord1(rpn uint32, wimg, pp uint8, referenced, changed bool) uint32 {
	w := rpn<<12 | uint32(wimg&0xf)<<3 | uint32(pp&3)
	if referenced {
		w |= PTERef
	}

	if changed {
		w |= PTEChanged
	}

	return w
}

// MakePTE builds a valid PTE that maps the page containing ea, in the
// segment identified by vsid, to the physical page containing pa.
func MakePTE(vsid, ea, pa uint32, secondary bool, wimg, pp uint8) PTE {
	return PTE{
		Word0: MakePTEWord0(vsid, APIOf(ea), secondary),
		Word1: MakePTEWord1(pa>>PageShift, wimg, pp, false, false),
	}
}

// Valid returns the V bit.
func (p PTE) Valid() bool { return p.Word0&PTEValid != 0 }

// VSID returns the virtual segment ID.
func (p PTE) VSID() uint32 { return p.Word0 >> 7 & 0xffffff }

// Secondary returns the H bit.
func (p PTE) Secondary() bool { return p.Word0&PTEHash != 0 }

// API returns the abbreviated page index.
func (p PTE) API() uint32 { return p.Word0 & 0x3f }

// RPN returns the real page number.
func (p PTE) RPN() uint32 { return p.Word1 >> 12 }

// Referenced returns the R bit.
func (p PTE) Referenced() bool { return p.Word1&PTERef != 0 }

// Changed returns the C bit.
func (p PTE) Changed() bool { return p.Word1&PTEChanged != 0 }

// WIMG returns the storage attribute bits.
func (p PTE) WIMG() uint8 { return uint8(p.Word1 >> 3 & 0xf) }

// PP returns the page protection bits.
func (p PTE) PP() uint8 { return uint8(p.Word1 & 3) }

// SegmentOf returns the segment register index selecting ea.
func SegmentOf(ea uint32) int { return int(ea >> 28) }

// PageIndexOf returns the 16-bit page index of ea within its segment.
func PageIndexOf(ea uint32) uint32 { return ea >> PageShift & 0xffff }

// APIOf returns the abbreviated page index of ea.
func APIOf(ea uint32) uint32 { return ea >> 22 & 0x3f }

// PrimaryHash returns the primary hash of a logical page.
func PrimaryHash(vsid, ea uint32) uint32 {
	return vsid ^ PageIndexOf(ea)
}

// A PageTable is the hashed page table geometry derived from SDR1.
type PageTable struct {
	Base     uint32
	HashMask uint32
}

// PageTableFrom derives the table geometry from SDR1.
func PageTableFrom(sdr SDR1) PageTable {
	return PageTable{
		Base:     sdr.HTABORG() << 16,
		HashMask: sdr.HTABMASK()<<10 | 0x3ff,
	}
}

// SizeMask returns the mask applied to a hash shifted into PTEG position.
func (t PageTable) SizeMask() uint32 {
	return t.HashMask << 6
}

// PTEGAddr returns the physical address of the PTEG selected by hash.
//
// The base is ORed in, not added. With a base that is not aligned to the
// table size, or a mask with holes, hardware produces aliased groups and so
// must the emulator.
func (t PageTable) PTEGAddr(hash uint32) uint32 {
	return (hash&t.HashMask)<<6 | t.Base
}

// Misaligned tells if the base has bits inside the size mask.
func (t PageTable) Misaligned() bool {
	return t.Base&t.SizeMask() != 0
}

// Contains tells if the physical address lies in one of the table's PTEGs.
func (t PageTable) Contains(paddr uint32) bool {
	m := t.SizeMask() | (PTEGSize - 1)

	return paddr&^m == t.Base&^m && paddr&t.Base&m == t.Base&m
}

// Overlaps tells if any byte of [paddr, paddr+length) lies in the table.
func (t PageTable) Overlaps(paddr, length uint32) bool {
	end := uint64(paddr) + uint64(length)
	for a := uint64(paddr) &^ (PTESize - 1); a < end; a += PTESize {
		if t.Contains(uint32(a)) {
			return true
		}
	}

	return false
}

// PageIndexFromEntry recovers the page index a PTE stored at pteAddr maps.
// The low ten bits of the hash are always visible in the entry address and
// the API supplies the upper six bits of the page index.
func (t PageTable) PageIndexFromEntry(pteAddr uint32, pte PTE) uint32 {
	hashLow := pteAddr >> 6 & 0x3ff
	if pte.Secondary() {
		hashLow = ^hashLow & 0x3ff
	}

	return pte.API()<<10 | (hashLow^pte.VSID())&0x3ff
}
