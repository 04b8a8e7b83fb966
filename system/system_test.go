package system_test

import (
	"database/sql"
	"encoding/binary"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/ppcmmu/datarecording"
	"github.com/sarchlab/ppcmmu/mem/vm"
	"github.com/sarchlab/ppcmmu/mem/vm/fastmem"
	"github.com/sarchlab/ppcmmu/mem/vm/watch"
	"github.com/sarchlab/ppcmmu/system"
)

func word(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)

	return b
}

var _ = Describe("System", func() {
	var s *system.System

	AfterEach(func() {
		if s != nil {
			Expect(s.Close()).To(Succeed())
			s = nil
		}
	})

	Context("with a simulated arena", func() {
		BeforeEach(func() {
			s = system.MakeBuilder().WithRAMSize(32 << 20).Build("Sys")
			s.MMU.SetDBAT(0,
				vm.MakeBATPair(0x80000000, 0, 32<<20, 0, 2, true, false))
		})

		It("should serve accesses through fastmem", func() {
			Expect(s.Write(0x80104000, word(0x11223344))).To(Succeed())

			buf := make([]byte, 4)
			Expect(s.Read(0x80104000, buf)).To(Succeed())
			Expect(buf).To(Equal(word(0x11223344)))
			Expect(s.Fastmem.IsMapped(0x80104000)).To(BeTrue())
			Expect(s.Accessor.Stats().Fast).To(Equal(uint64(2)))
		})

		It("should unmap a range when a watch is added to the list", func() {
			Expect(s.Write(0x80104000, word(1))).To(Succeed())

			Expect(s.Watches.Add(watch.Range{Start: 0x80104000, End: 0x80104003})).
				To(Succeed())

			Expect(s.Fastmem.IsMapped(0x80104000)).To(BeFalse())
			e, _ := s.MMU.BATEntry(false, 0x80104000)
			Expect(e.Physical).To(BeFalse())

			Expect(s.Write(0x80104000, word(2))).To(Succeed())
			Expect(s.Fastmem.IsMapped(0x80104000)).To(BeFalse())
		})

		It("should load images into physical memory", func() {
			Expect(s.LoadImage(0x00101000, word(0xfeedface))).To(Succeed())

			buf := make([]byte, 4)
			Expect(s.Read(0x80101000, buf)).To(Succeed())
			Expect(buf).To(Equal(word(0xfeedface)))
		})
	})

	It("should go through the MMU when fastmem is off", func() {
		s = system.MakeBuilder().WithFastmem(system.FastmemOff).Build("Sys")

		Expect(s.Arena).To(BeNil())
		Expect(s.Fastmem).To(BeNil())

		s.MMU.SetMSR(vm.MSR{})
		Expect(s.Write(0x20100, word(5))).To(Succeed())
		Expect(s.Memory.ReadU32(0x20100)).To(Equal(uint32(5)))
	})

	It("should add an extended RAM bank", func() {
		s = system.MakeBuilder().
			WithFastmem(system.FastmemOff).
			WithExtendedRAMSize(64 << 20).
			Build("Sys")

		Expect(s.Memory.Contains(system.ExtendedRAMBase, 64<<20)).To(BeTrue())
		Expect(s.Memory.Contains(0x04000000, 4)).To(BeFalse())
	})

	It("should build with host fastmem, or fall back to a simulated arena",
		func() {
			s = system.MakeBuilder().
				WithFastmem(system.FastmemHost).
				WithRAMSize(16 << 20).
				Build("Sys")
			s.MMU.SetMSR(vm.MSR{})

			Expect(s.Arena).ToNot(BeNil())
			Expect(s.Write(0x20000, word(0xabcdef01))).To(Succeed())
			Expect(s.Memory.ReadU32(0x20000)).To(Equal(uint32(0xabcdef01)))
		})

	It("should use the configured host page size", func() {
		s = system.MakeBuilder().
			WithHostPageSize(16 << 10).
			WithSubPageProtection(false).
			Build("Sys")

		arena, ok := s.Arena.(*fastmem.SimArena)
		Expect(ok).To(BeTrue())
		Expect(arena.PageSize()).To(Equal(uint32(16 << 10)))
		Expect(arena.SubPageProtection()).To(BeFalse())
	})

	It("should record events", func() {
		db, err := sql.Open("sqlite3",
			filepath.Join(GinkgoT().TempDir(), "events.sqlite3"))
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(db.Close)

		recorder := datarecording.NewWithDB(db)
		s = system.MakeBuilder().WithRecorder(recorder).Build("Sys")
		s.MMU.SetDBAT(0, vm.MakeBATPair(0x80000000, 0, 16<<20, 0, 2, true, false))
		Expect(s.Write(0x80100000, word(1))).To(Succeed())
		recorder.Flush()

		var count int
		Expect(db.QueryRow(
			"SELECT COUNT(*) FROM translation_events WHERE Event='HostMap';",
		).Scan(&count)).To(Succeed())
		Expect(count).To(Equal(1))
		Expect(s.Events.NumEvents()).To(BeNumerically(">", 1))
	})
})

var _ = Describe("CPUGuard", func() {
	It("should keep the guest stopped until released", func() {
		guard := &system.CPUGuard{}
		ran := make(chan struct{})

		release := guard.Pause()

		go guard.Run(func() { close(ran) })

		Consistently(ran, 50*time.Millisecond).ShouldNot(BeClosed())

		release()

		Eventually(ran).Should(BeClosed())
	})
})
