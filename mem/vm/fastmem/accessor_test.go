package fastmem_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/ppcmmu/mem/memory"
	"github.com/sarchlab/ppcmmu/mem/vm"
	"github.com/sarchlab/ppcmmu/mem/vm/fastmem"
	"github.com/sarchlab/ppcmmu/mem/vm/mmu"
	"github.com/sarchlab/ppcmmu/mem/vm/watch"
)

func readPTE(ram *memory.Space, addr uint32) vm.PTE {
	w0, err := ram.ReadU32(addr)
	Expect(err).ToNot(HaveOccurred())
	w1, err := ram.ReadU32(addr + 4)
	Expect(err).ToNot(HaveOccurred())

	return vm.PTE{Word0: w0, Word1: w1}
}

// mapPage installs a primary-hash entry in slot 0 and returns its address.
func mapPage(ram *memory.Space, c *mmu.Comp, vsid, ea, pa uint32) uint32 {
	addr := c.PageTable().PTEGAddr(vm.PrimaryHash(vsid, ea))
	pte := vm.MakePTE(vsid, ea, pa, false, vm.WIMGCoherent, 2)

	Expect(ram.WriteU32(addr, pte.Word0)).To(Succeed())
	Expect(ram.WriteU32(addr+4, pte.Word1)).To(Succeed())

	return addr
}

// translationStack is an MMU and a fastmem manager wired together.
type translationStack struct {
	ram     *memory.Space
	watches *watch.List
	mmu     *mmu.Comp
	manager *fastmem.Manager
	acc     *fastmem.Accessor
}

func newTranslationStack(ram *memory.Space, arena fastmem.Arena) translationStack {
	s := translationStack{ram: ram, watches: watch.NewList()}

	s.mmu = mmu.MakeBuilder().
		WithMemory(ram).
		WithWatches(s.watches).
		Build("MMU")
	s.manager = fastmem.MakeBuilder().
		WithArena(arena).
		WithTranslator(s.mmu).
		WithMemory(ram).
		WithWatches(s.watches).
		Build("Fastmem")
	s.mmu.SetHostMapper(s.manager)
	s.acc = fastmem.NewAccessor(s.manager, s.mmu)

	s.mmu.SetSDR1(vm.MakeSDR1(0x0030, 0))
	s.mmu.SetSR(1, vm.MakeSegmentRegister(0x100, false, false, false))

	return s
}

var _ = Describe("Accessor", func() {
	var (
		ram   *memory.Space
		arena *fastmem.SimArena
		s     translationStack
	)

	BeforeEach(func() {
		ram = memory.NewSpace().AddRegion(0, memory.NewStorage(32<<20))
		arena = fastmem.NewSimArena(ram, vm.PageSize, true)
		s = newTranslationStack(ram, arena)
	})

	It("should map on read, upgrade on write and unmap on entry removal",
		func() {
			pteAddr := mapPage(ram, s.mmu, 0x100, 0x10100000, 0x00100000)
			Expect(ram.WriteU32(0x00100010, 0xdeadbeef)).To(Succeed())

			v, err := s.acc.ReadU32(0x10100010)

			Expect(err).ToNot(HaveOccurred())
			Expect(v).To(Equal(uint32(0xdeadbeef)))
			mapping, ok := s.manager.Mapping(0x10100000)
			Expect(ok).To(BeTrue())
			Expect(mapping.PAddr).To(Equal(uint32(0x00100000)))
			Expect(mapping.Writable).To(BeFalse())
			Expect(readPTE(ram, pteAddr).Referenced()).To(BeTrue())
			Expect(readPTE(ram, pteAddr).Changed()).To(BeFalse())

			Expect(s.acc.WriteU32(0x10100020, 0x12345678)).To(Succeed())

			mapping, _ = s.manager.Mapping(0x10100000)
			Expect(mapping.Writable).To(BeTrue())
			Expect(readPTE(ram, pteAddr).Changed()).To(BeTrue())
			Expect(ram.ReadU32(0x00100020)).To(Equal(uint32(0x12345678)))
			Expect(s.acc.Stats()).To(Equal(fastmem.AccessorStats{Fast: 2}))

			Expect(s.mmu.WritePhysical(pteAddr, []byte{0, 0, 0, 0})).To(Succeed())

			Expect(s.manager.IsMapped(0x10100000)).To(BeFalse())
			_, _, mapped := arena.Protection(0x10100000)
			Expect(mapped).To(BeFalse())

			_, err = s.acc.ReadU32(0x10100010)
			Expect(err).To(MatchError(vm.ErrNotMapped))
		})

	It("should drop the mappings of a segment on a segment register write",
		func() {
			mapPage(ram, s.mmu, 0x100, 0x10100000, 0x00100000)
			_, err := s.acc.ReadU32(0x10100000)
			Expect(err).ToNot(HaveOccurred())

			s.mmu.SetSR(1, vm.MakeSegmentRegister(0x200, false, false, false))

			Expect(s.manager.Mappings()).To(BeEmpty())
		})

	It("should never map the page table writable", func() {
		s.mmu.SetDBAT(0, vm.MakeBATPair(0, 0, 32<<20, 0, 2, true, false))

		Expect(s.acc.WriteU32(0x00300000, 0)).To(Succeed())

		Expect(s.manager.IsMapped(0x00300000)).To(BeFalse())
		Expect(s.manager.IsSlow(0x00300000)).To(BeTrue())
		Expect(s.acc.Stats().Slow).To(Equal(uint64(1)))
	})

	It("should take a watched block off the direct path and back", func() {
		s.mmu.SetDBAT(0,
			vm.MakeBATPair(0x80000000, 0, 256<<20, 0, 2, true, false))

		Expect(s.acc.WriteU32(0x80001000, 7)).To(Succeed())

		mapping, ok := s.manager.Mapping(0x80001000)
		Expect(ok).To(BeTrue())
		Expect(mapping.PAddr).To(Equal(uint32(0x00001000)))
		Expect(mapping.Writable).To(BeTrue())

		r := watch.Range{Start: 0x80001000, End: 0x8000100f}
		Expect(s.watches.Add(r)).To(Succeed())
		s.mmu.NotifyWatchpointChanged(r.Start, r.Length(), true)

		Expect(s.manager.IsMapped(0x80001000)).To(BeFalse())

		Expect(s.acc.WriteU32(0x80001000, 8)).To(Succeed())

		Expect(s.manager.IsSlow(0x80001000)).To(BeTrue())
		Expect(ram.ReadU32(0x00001000)).To(Equal(uint32(8)))

		s.watches.Remove(r)
		s.mmu.NotifyWatchpointChanged(r.Start, r.Length(), false)

		Expect(s.manager.IsSlow(0x80001000)).To(BeFalse())
		Expect(s.acc.WriteU32(0x80001000, 9)).To(Succeed())
		Expect(s.manager.IsMapped(0x80001000)).To(BeTrue())
		Expect(s.acc.Stats()).To(Equal(fastmem.AccessorStats{Fast: 2, Slow: 1}))
	})

	It("should take the slow path for accesses crossing a page", func() {
		mapPage(ram, s.mmu, 0x100, 0x10100000, 0x00100000)
		mapPage(ram, s.mmu, 0x100, 0x10101000, 0x00200000)

		Expect(s.acc.Write(0x10100ffe, []byte{1, 2, 3, 4})).To(Succeed())

		Expect(ram.ReadU32(0x00100ffc)).To(Equal(uint32(0x00000102)))
		Expect(ram.ReadU32(0x00200000)).To(Equal(uint32(0x03040000)))
		Expect(s.acc.Stats().Slow).To(Equal(uint64(1)))
		Expect(s.manager.Mappings()).To(BeEmpty())
	})

	Context("with 8 KiB host pages and no sub-page protection", func() {
		BeforeEach(func() {
			arena = fastmem.NewSimArena(ram, 0x2000, false)
			s = newTranslationStack(ram, arena)
		})

		It("should bring a host page back to the direct path once both guest "+
			"pages are changed", func() {
			first := mapPage(ram, s.mmu, 0x100, 0x10100000, 0x00100000)
			second := mapPage(ram, s.mmu, 0x100, 0x10101000, 0x00101000)

			_, err := s.acc.ReadU32(0x10100000)
			Expect(err).ToNot(HaveOccurred())
			_, err = s.acc.ReadU32(0x10101000)
			Expect(err).ToNot(HaveOccurred())

			mapping, ok := s.manager.Mapping(0x10100000)
			Expect(ok).To(BeTrue())
			Expect(mapping.Writable).To(BeFalse())

			Expect(s.acc.WriteU32(0x10100010, 0x11111111)).To(Succeed())

			Expect(s.manager.IsMapped(0x10100000)).To(BeTrue())
			Expect(s.manager.IsMapped(0x10101000)).To(BeTrue())
			Expect(readPTE(ram, first).Changed()).To(BeTrue())
			Expect(readPTE(ram, second).Changed()).To(BeFalse())

			Expect(s.acc.WriteU32(0x10101010, 0x22222222)).To(Succeed())

			mapping, _ = s.manager.Mapping(0x10100000)
			Expect(mapping.Writable).To(BeTrue())
			Expect(readPTE(ram, second).Changed()).To(BeTrue())
			Expect(s.acc.Stats()).To(Equal(fastmem.AccessorStats{Fast: 2, Slow: 2}))

			for i := 0; i < 10; i++ {
				v, err := s.acc.ReadU32(0x10100010)
				Expect(err).ToNot(HaveOccurred())
				Expect(v).To(Equal(uint32(0x11111111)))
				Expect(s.acc.WriteU32(0x10101010, uint32(i))).To(Succeed())
			}

			Expect(s.acc.Stats()).To(Equal(fastmem.AccessorStats{Fast: 22, Slow: 2}))
			Expect(s.manager.IsSlow(0x10100000)).To(BeFalse())
			Expect(ram.ReadU32(0x00101010)).To(Equal(uint32(9)))
		})
	})
})
