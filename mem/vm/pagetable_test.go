package vm

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("PageTable", func() {
	It("should derive geometry from SDR1", func() {
		pt := PageTableFrom(MakeSDR1(0x0030, 0))

		Expect(pt.Base).To(Equal(uint32(0x00300000)))
		Expect(pt.HashMask).To(Equal(uint32(0x3ff)))
		Expect(pt.SizeMask()).To(Equal(uint32(0xffc0)))
		Expect(pt.Misaligned()).To(BeFalse())
	})

	It("should compute the primary hash", func() {
		Expect(PrimaryHash(0x100, 0x10100000)).To(Equal(uint32(0x100 ^ 0x0100)))
		Expect(PrimaryHash(0x123456, 0xfffff000)).
			To(Equal(uint32(0x123456 ^ 0xffff)))
	})

	It("should compose the PTEG address with OR", func() {
		pt := PageTable{Base: 0x00010000, HashMask: 0x7ff}

		// 0x400 << 6 == 0x10000 overlaps the base bit, so OR and ADD differ.
		Expect(pt.PTEGAddr(0x400)).To(Equal(uint32(0x00010000)))
		Expect(pt.PTEGAddr(0x401)).To(Equal(uint32(0x00010040)))
		Expect(pt.Misaligned()).To(BeTrue())
	})

	It("should drop hash bits outside the mask", func() {
		pt := PageTable{Base: 0x00300000, HashMask: 0x3ff}

		Expect(pt.PTEGAddr(0xfffffc01)).To(Equal(uint32(0x00300040)))
	})

	It("should tell if an address lies in the table", func() {
		pt := PageTableFrom(MakeSDR1(0x0030, 0))

		Expect(pt.Contains(0x00300000)).To(BeTrue())
		Expect(pt.Contains(0x0030fff8)).To(BeTrue())
		Expect(pt.Contains(0x00310000)).To(BeFalse())
		Expect(pt.Contains(0x002ffff8)).To(BeFalse())
		Expect(pt.Overlaps(0x002ffffc, 8)).To(BeTrue())
		Expect(pt.Overlaps(0x002ff000, 0x1000)).To(BeFalse())
	})

	It("should recover the page index from a primary entry", func() {
		pt := PageTableFrom(MakeSDR1(0x0030, 0))
		vsid := uint32(0x100)
		ea := uint32(0x10100000)
		pte := MakePTE(vsid, ea, 0x00100000, false, 0, 2)
		addr := pt.PTEGAddr(PrimaryHash(vsid, ea)) + 3*PTESize

		Expect(pt.PageIndexFromEntry(addr, pte)).To(Equal(PageIndexOf(ea)))
	})

	It("should recover the page index from a secondary entry", func() {
		pt := PageTableFrom(MakeSDR1(0x0030, 0))
		vsid := uint32(0xabcde)
		ea := uint32(0x3fedc000)
		pte := MakePTE(vsid, ea, 0x00200000, true, 0, 2)
		addr := pt.PTEGAddr(^PrimaryHash(vsid, ea)) + 7*PTESize

		Expect(pt.PageIndexFromEntry(addr, pte)).To(Equal(PageIndexOf(ea)))
	})

	It("should decode a PTE", func() {
		pte := PTE{
			Word0: MakePTEWord0(0x123456, 0x2a, true),
			Word1: MakePTEWord1(0xabcde, WIMGCoherent, 1, true, false),
		}

		Expect(pte.Valid()).To(BeTrue())
		Expect(pte.VSID()).To(Equal(uint32(0x123456)))
		Expect(pte.Secondary()).To(BeTrue())
		Expect(pte.API()).To(Equal(uint32(0x2a)))
		Expect(pte.RPN()).To(Equal(uint32(0xabcde)))
		Expect(pte.Referenced()).To(BeTrue())
		Expect(pte.Changed()).To(BeFalse())
		Expect(pte.WIMG()).To(Equal(WIMGCoherent))
		Expect(pte.PP()).To(Equal(uint8(1)))
	})

	It("should unwrap translation errors", func() {
		err := error(&TranslationError{
			Addr: 0x1000, Kind: AccessWrite, Err: ErrPermissionDenied,
		})

		Expect(errors.Is(err, ErrPermissionDenied)).To(BeTrue())
		Expect(err.Error()).To(Equal("write at 0x00001000: permission denied"))
	})
})
