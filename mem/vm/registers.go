package vm

// WIMG storage attribute bits, as found in PTEs and lower BAT words.
const (
	WIMGWriteThrough uint8 = 0b1000
	WIMGCacheInhibit uint8 = 0b0100
	WIMGCoherent     uint8 = 0b0010
	WIMGGuarded      uint8 = 0b0001
)

// DirectIneligible are the WIMG bits that keep a page off fastmem.
const DirectIneligible = WIMGWriteThrough | WIMGCacheInhibit | WIMGGuarded

// A SegmentRegister holds the T, Ks, Kp and N flags and a 24-bit VSID.
type SegmentRegister uint32

// MakeSegmentRegister encodes a memory segment register.
func MakeSegmentRegister(vsid uint32, ks, kp, noExecute bool) SegmentRegister {
	v := vsid & 0xffffff
	if ks {
		v |= 1 << 30
	}

	if kp {
		v |= 1 << 29
	}

	if noExecute {
		v |= 1 << 28
	}

	return SegmentRegister(v)
}

// T tells if the segment is a direct-store segment.
func (r SegmentRegister) T() bool { return r>>31&1 != 0 }

// Ks is the supervisor-state protection key.
func (r SegmentRegister) Ks() bool { return r>>30&1 != 0 }

// Kp is the problem-state protection key.
func (r SegmentRegister) Kp() bool { return r>>29&1 != 0 }

// N tells if instruction fetch is forbidden in the segment.
func (r SegmentRegister) N() bool { return r>>28&1 != 0 }

// VSID returns the virtual segment ID.
func (r SegmentRegister) VSID() uint32 { return uint32(r) & 0xffffff }

// BATUpper is the upper word of a BAT pair.
type BATUpper uint32

// BEPI returns the 15-bit block effective page index.
func (u BATUpper) BEPI() uint32 { return uint32(u) >> 17 }

// BL returns the 11-bit block length mask.
func (u BATUpper) BL() uint32 { return uint32(u) >> 2 & 0x7ff }

// Vs tells if the pair is valid in supervisor state.
func (u BATUpper) Vs() bool { return u>>1&1 != 0 }

// Vp tells if the pair is valid in problem state.
func (u BATUpper) Vp() bool { return u&1 != 0 }

// BATLower is the lower word of a BAT pair.
type BATLower uint32

// BRPN returns the 15-bit block real page number.
func (l BATLower) BRPN() uint32 { return uint32(l) >> 17 }

// WIMG returns the storage attribute bits.
func (l BATLower) WIMG() uint8 { return uint8(l >> 3 & 0xf) }

// PP returns the protection bits.
func (l BATLower) PP() uint8 { return uint8(l & 3) }

// A BATPair is one block address translation slot.
type BATPair struct {
	Upper BATUpper
	Lower BATLower
}

// MakeBATPair encodes a pair that maps size bytes (a power of two between
// 128 KiB and 256 MiB) at effective address ea to physical address pa.
func MakeBATPair(
	ea, pa, size uint32,
	wimg, pp uint8,
	vs, vp bool,
) BATPair {
	bl := (size >> 17) - 1

	upper := ea&0xfffe0000 | (bl&0x7ff)<<2
	if vs {
		upper |= 2
	}

	if vp {
		upper |= 1
	}

	lower := pa&0xfffe0000 | uint32(wimg&0xf)<<3 | uint32(pp&3)

	return BATPair{Upper: BATUpper(upper), Lower: BATLower(lower)}
}

// ValidFor tells if the pair takes part in translation for the given
// privilege state.
func (p BATPair) ValidFor(problemState bool) bool {
	if problemState {
		return p.Upper.Vp()
	}

	return p.Upper.Vs()
}

// SDR1 locates the hashed page table in physical memory.
type SDR1 uint32

// MakeSDR1 encodes HTABORG and HTABMASK.
func MakeSDR1(htaborg, htabmask uint32) SDR1 {
	return SDR1(htaborg<<16 | htabmask&0x1ff)
}

// HTABORG returns the high-order 16 bits of the table address.
func (s SDR1) HTABORG() uint32 { return uint32(s) >> 16 }

// HTABMASK returns the 9-bit table size mask.
func (s SDR1) HTABMASK() uint32 { return uint32(s) & 0x1ff }

// MSR holds the machine state bits the translator depends on.
type MSR struct {
	IR bool // instruction relocation
	DR bool // data relocation
	PR bool // problem state
}

// RelocationEnabled tells if an access of the given kind is translated.
func (m MSR) RelocationEnabled(kind AccessKind) bool {
	if kind.IsInstruction() {
		return m.IR
	}

	return m.DR
}

// IsLowMask tells if v is of the form 0b0..01..1.
func IsLowMask(v uint32) bool {
	return v&(v+1) == 0
}
