package vm

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Registers", func() {
	It("should decode a segment register", func() {
		sr := SegmentRegister(0xf0abcdef)

		Expect(sr.T()).To(BeTrue())
		Expect(sr.Ks()).To(BeTrue())
		Expect(sr.Kp()).To(BeTrue())
		Expect(sr.N()).To(BeTrue())
		Expect(sr.VSID()).To(Equal(uint32(0xabcdef)))
	})

	It("should encode a segment register", func() {
		sr := MakeSegmentRegister(0x123, false, true, false)

		Expect(sr.T()).To(BeFalse())
		Expect(sr.Ks()).To(BeFalse())
		Expect(sr.Kp()).To(BeTrue())
		Expect(sr.N()).To(BeFalse())
		Expect(sr.VSID()).To(Equal(uint32(0x123)))
	})

	It("should round trip a BAT pair", func() {
		p := MakeBATPair(0x80000000, 0x00000000, 256<<20,
			WIMGCoherent, 2, true, false)

		Expect(p.Upper.BEPI()).To(Equal(uint32(0x4000)))
		Expect(p.Upper.BL()).To(Equal(uint32(0x7ff)))
		Expect(p.Upper.Vs()).To(BeTrue())
		Expect(p.Upper.Vp()).To(BeFalse())
		Expect(p.Lower.BRPN()).To(Equal(uint32(0)))
		Expect(p.Lower.WIMG()).To(Equal(WIMGCoherent))
		Expect(p.Lower.PP()).To(Equal(uint8(2)))
		Expect(p.ValidFor(false)).To(BeTrue())
		Expect(p.ValidFor(true)).To(BeFalse())
	})

	It("should decode SDR1", func() {
		sdr := MakeSDR1(0x0030, 0x3)

		Expect(sdr.HTABORG()).To(Equal(uint32(0x30)))
		Expect(sdr.HTABMASK()).To(Equal(uint32(0x3)))
	})

	It("should pick the relocation bit by access kind", func() {
		msr := MSR{IR: true}

		Expect(msr.RelocationEnabled(AccessExecute)).To(BeTrue())
		Expect(msr.RelocationEnabled(AccessProbeExecute)).To(BeTrue())
		Expect(msr.RelocationEnabled(AccessRead)).To(BeFalse())
		Expect(msr.RelocationEnabled(AccessWrite)).To(BeFalse())
	})

	It("should recognize low masks", func() {
		Expect(IsLowMask(0)).To(BeTrue())
		Expect(IsLowMask(0x3ff)).To(BeTrue())
		Expect(IsLowMask(0x1ff)).To(BeTrue())
		Expect(IsLowMask(0x101)).To(BeFalse())
	})
})
