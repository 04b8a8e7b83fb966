package fastmem_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/ppcmmu/mem/memory"
	"github.com/sarchlab/ppcmmu/mem/vm"
	"github.com/sarchlab/ppcmmu/mem/vm/fastmem"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func pageResult(paddr uint32, referenced, changed bool) vm.Result {
	return vm.Result{
		PAddr:      paddr,
		Source:     vm.SourcePageTable,
		WIMG:       vm.WIMGCoherent,
		Writable:   true,
		Referenced: referenced,
		Changed:    changed,
		Direct:     true,
	}
}

var _ = Describe("Manager", func() {
	var (
		mockCtrl   *gomock.Controller
		ram        *memory.Space
		translator *MockTranslator
		logs       *observer.ObservedLogs
		arena      *fastmem.SimArena
		m          *fastmem.Manager
	)

	build := func(pageSize uint32, subPage bool) {
		core, observed := observer.New(zap.InfoLevel)
		logs = observed

		arena = fastmem.NewSimArena(ram, pageSize, subPage)
		m = fastmem.MakeBuilder().
			WithArena(arena).
			WithTranslator(translator).
			WithMemory(ram).
			WithLogger(zap.New(core)).
			Build("Fastmem")
	}

	fault := func(ea uint32) bool {
		return m.OnHostFault(arena.Base() + uintptr(ea))
	}

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		ram = memory.NewSpace().AddRegion(0, memory.NewStorage(32<<20))
		translator = NewMockTranslator(mockCtrl)
		translator.EXPECT().IsPageTableRange(gomock.Any(), gomock.Any()).
			Return(false).AnyTimes()
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should ignore faults outside the window", func() {
		build(vm.PageSize, true)

		Expect(m.OnHostFault(0)).To(BeFalse())
	})

	It("should report faults on addresses that do not translate", func() {
		build(vm.PageSize, true)
		translator.EXPECT().Translate(uint32(0x10100000), vm.AccessRead).
			Return(vm.Result{}, vm.ErrNotMapped)

		Expect(fault(0x10100000)).To(BeFalse())
		Expect(m.Stats().UnresolvedFaults).To(Equal(uint64(1)))
		Expect(arena.NumMappedPages()).To(Equal(0))
	})

	It("should map a page read-only until it is changed", func() {
		build(vm.PageSize, true)
		translator.EXPECT().Translate(uint32(0x10100abc), vm.AccessRead).
			Return(pageResult(0x00100abc, true, false), nil)

		Expect(fault(0x10100abc)).To(BeTrue())

		paddr, writable, mapped := arena.Protection(0x10100000)
		Expect(mapped).To(BeTrue())
		Expect(writable).To(BeFalse())
		Expect(paddr).To(Equal(uint32(0x00100000)))

		translator.EXPECT().Translate(uint32(0x10100abc), vm.AccessWrite).
			Return(pageResult(0x00100abc, true, true), nil)

		Expect(fault(0x10100abc)).To(BeTrue())

		_, writable, _ = arena.Protection(0x10100000)
		Expect(writable).To(BeTrue())
		Expect(m.Stats().Faults).To(Equal(uint64(2)))
	})

	It("should leave uncacheable pages to the slow path", func() {
		build(vm.PageSize, true)
		res := pageResult(0x00100000, true, false)
		res.WIMG = vm.WIMGCacheInhibit
		res.Direct = false
		translator.EXPECT().Translate(uint32(0x10100000), vm.AccessRead).
			Return(res, nil)

		Expect(fault(0x10100000)).To(BeTrue())
		Expect(m.IsMapped(0x10100000)).To(BeFalse())
		Expect(m.IsSlow(0x10100000)).To(BeTrue())
	})

	It("should leave a store to a page table page to the slow path", func() {
		translator = NewMockTranslator(mockCtrl)
		translator.EXPECT().IsPageTableRange(uint32(0x00300000), uint32(vm.PageSize)).
			Return(true).AnyTimes()
		build(vm.PageSize, true)

		translator.EXPECT().Translate(uint32(0x00300000), vm.AccessRead).
			Return(pageResult(0x00300000, true, true), nil)
		translator.EXPECT().Translate(uint32(0x00300000), vm.AccessWrite).
			Return(pageResult(0x00300000, true, true), nil)

		Expect(fault(0x00300000)).To(BeTrue())

		_, writable, mapped := arena.Protection(0x00300000)
		Expect(mapped).To(BeTrue())
		Expect(writable).To(BeFalse())

		Expect(fault(0x00300000)).To(BeTrue())
		Expect(m.IsMapped(0x00300000)).To(BeFalse())
		Expect(m.IsSlow(0x00300000)).To(BeTrue())
	})

	Context("with 8 KiB host pages", func() {
		It("should map a contiguous host page in one go", func() {
			build(0x2000, false)
			translator.EXPECT().Translate(uint32(0x10100010), vm.AccessRead).
				Return(pageResult(0x00100010, true, false), nil)
			translator.EXPECT().Translate(uint32(0x10101000), vm.AccessProbe).
				Return(pageResult(0x00101000, true, false), nil)

			Expect(fault(0x10100010)).To(BeTrue())

			Expect(arena.NumMapCalls).To(Equal(1))
			mapping, ok := m.Mapping(0x10101abc)
			Expect(ok).To(BeTrue())
			Expect(mapping).To(Equal(fastmem.Mapping{
				EA: 0x10101000, PAddr: 0x00101000, Size: vm.PageSize,
			}))
		})

		It("should leave a non-contiguous host page to the slow path", func() {
			build(0x2000, false)
			translator.EXPECT().Translate(uint32(0x10100010), vm.AccessRead).
				Return(pageResult(0x00100010, true, false), nil)
			translator.EXPECT().Translate(uint32(0x10101000), vm.AccessProbe).
				Return(pageResult(0x00200000, true, false), nil)

			Expect(fault(0x10100010)).To(BeTrue())

			Expect(arena.NumMappedPages()).To(Equal(0))
			Expect(m.IsSlow(0x10100000)).To(BeTrue())
			Expect(m.IsSlow(0x10101000)).To(BeTrue())
			Expect(logs.FilterMessage("host page left to the slow path").Len()).
				To(Equal(1))
		})

		It("should map guest pages one by one with sub-page protection", func() {
			build(0x2000, true)
			translator.EXPECT().Translate(uint32(0x10100010), vm.AccessRead).
				Return(pageResult(0x00100010, true, false), nil)
			translator.EXPECT().Translate(uint32(0x10101000), vm.AccessProbe).
				Return(pageResult(0x00200000, true, false), nil)

			Expect(fault(0x10100010)).To(BeTrue())

			first, _, _ := arena.Protection(0x10100000)
			second, _, _ := arena.Protection(0x10101000)
			Expect(first).To(Equal(uint32(0x00100000)))
			Expect(second).To(Equal(uint32(0x00200000)))
			Expect(m.IsSlow(0x10100000)).To(BeFalse())
		})

		It("should retry a host page once its siblings are referenced", func() {
			build(0x2000, false)
			translator.EXPECT().Translate(uint32(0x10100010), vm.AccessRead).
				Return(pageResult(0x00100010, true, false), nil)
			translator.EXPECT().Translate(uint32(0x10101000), vm.AccessProbe).
				Return(pageResult(0x00101000, false, false), nil).
				Times(2)

			Expect(fault(0x10100010)).To(BeTrue())
			Expect(m.IsSlow(0x10101000)).To(BeTrue())

			m.Reconsider(0x10101000)

			Expect(m.IsSlow(0x10100000)).To(BeFalse())
			Expect(m.IsSlow(0x10101000)).To(BeFalse())
		})

		It("should leave a host page with a guarded guest page to the slow path",
			func() {
				build(0x2000, false)
				guarded := pageResult(0x00101000, true, false)
				guarded.WIMG = vm.WIMGGuarded
				guarded.Direct = false
				translator.EXPECT().Translate(uint32(0x10100010), vm.AccessRead).
					Return(pageResult(0x00100010, true, false), nil)
				translator.EXPECT().Translate(uint32(0x10101000), vm.AccessProbe).
					Return(guarded, nil).
					Times(2)

				Expect(fault(0x10100010)).To(BeTrue())

				Expect(arena.NumMappedPages()).To(Equal(0))
				Expect(m.IsMapped(0x10100000)).To(BeFalse())
				Expect(m.IsSlow(0x10100000)).To(BeTrue())
				Expect(m.IsSlow(0x10101000)).To(BeTrue())

				m.Reconsider(0x10100000)

				Expect(m.IsSlow(0x10100000)).To(BeTrue())
			})

		It("should map only the eligible guest page with sub-page protection",
			func() {
				build(0x2000, true)
				uncached := pageResult(0x00101000, true, false)
				uncached.WIMG = vm.WIMGCacheInhibit
				uncached.Direct = false
				translator.EXPECT().Translate(uint32(0x10100010), vm.AccessRead).
					Return(pageResult(0x00100010, true, false), nil)
				translator.EXPECT().Translate(uint32(0x10101000), vm.AccessProbe).
					Return(uncached, nil)

				Expect(fault(0x10100010)).To(BeTrue())

				Expect(m.IsMapped(0x10100000)).To(BeTrue())
				Expect(m.IsMapped(0x10101000)).To(BeFalse())
				Expect(m.IsSlow(0x10100000)).To(BeFalse())
				Expect(m.IsSlow(0x10101000)).To(BeFalse())
				_, _, mapped := arena.Protection(0x10101000)
				Expect(mapped).To(BeFalse())
			})

		It("should upgrade a host page whose guest pages are all changed",
			func() {
				build(0x2000, false)
				translator.EXPECT().Translate(uint32(0x10100010), vm.AccessRead).
					Return(pageResult(0x00100010, true, false), nil)
				translator.EXPECT().Translate(uint32(0x10101000), vm.AccessProbe).
					Return(pageResult(0x00101000, true, true), nil).
					Times(2)

				Expect(fault(0x10100010)).To(BeTrue())

				_, writable, _ := arena.Protection(0x10101000)
				Expect(writable).To(BeFalse())

				translator.EXPECT().Translate(uint32(0x10100010), vm.AccessWrite).
					Return(pageResult(0x00100010, true, true), nil)

				Expect(fault(0x10100010)).To(BeTrue())

				_, writable, _ = arena.Protection(0x10100000)
				Expect(writable).To(BeTrue())
				_, writable, _ = arena.Protection(0x10101000)
				Expect(writable).To(BeTrue())
				Expect(m.IsSlow(0x10100000)).To(BeFalse())
			})

		It("should keep a host page read-only until its guest pages are changed",
			func() {
				build(0x2000, false)
				translator.EXPECT().Translate(uint32(0x10100010), vm.AccessRead).
					Return(pageResult(0x00100010, true, false), nil)
				translator.EXPECT().Translate(uint32(0x10101000), vm.AccessProbe).
					Return(pageResult(0x00101000, true, false), nil).
					Times(2)

				Expect(fault(0x10100010)).To(BeTrue())

				translator.EXPECT().Translate(uint32(0x10100010), vm.AccessWrite).
					Return(pageResult(0x00100010, true, true), nil).
					Times(2)

				Expect(fault(0x10100010)).To(BeTrue())

				paddr, writable, mapped := arena.Protection(0x10101000)
				Expect(mapped).To(BeTrue())
				Expect(writable).To(BeFalse())
				Expect(paddr).To(Equal(uint32(0x00101000)))
				Expect(m.IsSlow(0x10100000)).To(BeTrue())
				Expect(m.Stats().Unmaps).To(BeZero())
				Expect(logs.FilterMessage("host page kept read-only").Len()).
					To(Equal(1))

				// Stores wait for the slow path while the mark holds.
				Expect(fault(0x10100010)).To(BeTrue())
				Expect(arena.NumMapCalls).To(Equal(1))

				m.Reconsider(0x10101000)

				Expect(m.IsSlow(0x10100000)).To(BeFalse())
				Expect(m.IsMapped(0x10100000)).To(BeTrue())

				translator.EXPECT().Translate(uint32(0x10101000), vm.AccessWrite).
					Return(pageResult(0x00101000, true, true), nil)
				translator.EXPECT().Translate(uint32(0x10100000), vm.AccessProbe).
					Return(pageResult(0x00100000, true, true), nil)

				Expect(fault(0x10101000)).To(BeTrue())

				_, writable, _ = arena.Protection(0x10100000)
				Expect(writable).To(BeTrue())
				_, writable, _ = arena.Protection(0x10101000)
				Expect(writable).To(BeTrue())
			})

		It("should not map a host page not aligned in physical memory", func() {
			build(0x2000, false)
			translator.EXPECT().Translate(uint32(0x10100010), vm.AccessRead).
				Return(pageResult(0x00101010, true, false), nil)
			translator.EXPECT().Translate(uint32(0x10101000), vm.AccessProbe).
				Return(pageResult(0x00102000, true, false), nil)

			Expect(fault(0x10100010)).To(BeTrue())

			Expect(m.IsMapped(0x10100000)).To(BeFalse())
			Expect(m.IsSlow(0x10100000)).To(BeTrue())
		})
	})

	Context("unmapping", func() {
		BeforeEach(func() {
			build(vm.PageSize, true)
			translator.EXPECT().Translate(gomock.Any(), vm.AccessRead).
				DoAndReturn(func(ea uint32, _ vm.AccessKind) (vm.Result, error) {
					return pageResult(ea&0x00ffffff, true, false), nil
				}).AnyTimes()

			Expect(fault(0x10100000)).To(BeTrue())
			Expect(fault(0x10105000)).To(BeTrue())
			Expect(fault(0x20000000)).To(BeTrue())
		})

		It("should unmap an overlapping range", func() {
			m.Unmap(0x10100ff0, 0x20)

			Expect(m.IsMapped(0x10100000)).To(BeFalse())
			Expect(m.IsMapped(0x10105000)).To(BeTrue())
			_, _, mapped := arena.Protection(0x10100000)
			Expect(mapped).To(BeFalse())
		})

		It("should tell whether a range has mappings", func() {
			Expect(m.HasMappingsIn(0x10000000, 0x10000000)).To(BeTrue())
			Expect(m.HasMappingsIn(0x30000000, 0x10000000)).To(BeFalse())
			Expect(m.HasMappingsIn(0x10101000, 0x4000)).To(BeFalse())
			Expect(m.HasMappingsIn(0x10101000, 0x4001)).To(BeTrue())
		})

		It("should unmap everything", func() {
			m.UnmapAll()

			Expect(m.Mappings()).To(BeEmpty())
			Expect(arena.NumMappedPages()).To(Equal(0))
			Expect(m.Stats().Unmaps).To(Equal(uint64(3)))
		})

		It("should list mappings in address order", func() {
			eas := []uint32{}
			for _, mapping := range m.Mappings() {
				eas = append(eas, mapping.EA)
			}

			Expect(eas).To(Equal([]uint32{0x10100000, 0x10105000, 0x20000000}))
		})
	})

	It("should give up on a fault that keeps coming back", func() {
		build(vm.PageSize, true)
		translator.EXPECT().Translate(uint32(0x10100000), vm.AccessRead).
			Return(pageResult(0x00100000, true, false), nil).
			AnyTimes()
		translator.EXPECT().Translate(uint32(0x10100000), vm.AccessWrite).
			Return(pageResult(0x00100000, true, false), nil).
			AnyTimes()

		err := arena.Store(0x10100000, []byte{1})

		Expect(errors.Is(err, fastmem.ErrFault)).To(BeTrue())
	})
})
