package fastmem

import (
	"github.com/pkg/errors"
	"github.com/sarchlab/ppcmmu/mem/vm"
)

// simBase is the pretend host address of a SimArena window.
const simBase uintptr = 0x7f00_0000_0000

type simPage struct {
	paddr    uint32
	writable bool
}

// SimArena is an arena whose protection state lives in a table. Accesses go
// to the guest physical memory directly. Its host page size and sub-page
// capability are configurable, so hosts with larger pages can be modelled
// on any machine.
type SimArena struct {
	memory   vm.PhysicalMemory
	pageSize uint32
	subPage  bool
	pages    map[uint32]simPage
	handler  FaultHandler

	NumMapCalls   int
	NumUnmapCalls int
}

// NewSimArena creates an arena over memory. The page size must be a power of
// two of at least 4 KiB.
func NewSimArena(
	memory vm.PhysicalMemory,
	pageSize uint32,
	subPageProtection bool,
) *SimArena {
	if pageSize < vm.PageSize || pageSize&(pageSize-1) != 0 {
		panic("host page size must be a power of two of at least 4 KiB")
	}

	return &SimArena{
		memory:   memory,
		pageSize: pageSize,
		subPage:  subPageProtection,
		pages:    make(map[uint32]simPage),
	}
}

// Base returns the pretend host address of effective address 0.
func (a *SimArena) Base() uintptr { return simBase }

// Size returns the size of the window.
func (a *SimArena) Size() uint64 { return 1 << 32 }

// PageSize returns the modelled host page size.
func (a *SimArena) PageSize() uint32 { return a.pageSize }

// SubPageProtection tells if guest pages can be mapped individually.
func (a *SimArena) SubPageProtection() bool { return a.subPage }

// RegisterFaultHandler sets the fault handler.
func (a *SimArena) RegisterFaultHandler(h FaultHandler) { a.handler = h }

func (a *SimArena) granularity() uint32 {
	if a.subPage {
		return vm.PageSize
	}

	return a.pageSize
}

// Map installs a mapping.
func (a *SimArena) Map(off, paddr, size uint32, writable bool) error {
	if err := checkAlignment(off, paddr, size, a.granularity()); err != nil {
		return err
	}

	if !a.memory.Contains(paddr, size) {
		return errors.Wrapf(ErrNotBacked, "0x%08x+0x%x", paddr, size)
	}

	a.NumMapCalls++

	for i := uint32(0); i < size; i += vm.PageSize {
		a.pages[(off+i)>>vm.PageShift] = simPage{
			paddr:    paddr + i,
			writable: writable,
		}
	}

	return nil
}

// Unmap removes mappings. Unmapping an unmapped range is not an error.
func (a *SimArena) Unmap(off, size uint32) error {
	if err := checkAlignment(off, 0, size, a.granularity()); err != nil {
		return err
	}

	a.NumUnmapCalls++

	for i := uint64(0); i < uint64(size); i += vm.PageSize {
		delete(a.pages, uint32(uint64(off)+i)>>vm.PageShift)
	}

	return nil
}

// Protection reports how the guest page containing off is mapped.
func (a *SimArena) Protection(off uint32) (paddr uint32, writable, mapped bool) {
	p, ok := a.pages[off>>vm.PageShift]
	if !ok {
		return 0, false, false
	}

	return p.paddr, p.writable, true
}

// NumMappedPages returns the number of guest pages currently accessible.
func (a *SimArena) NumMappedPages() int {
	return len(a.pages)
}

// Load reads through the window.
func (a *SimArena) Load(off uint32, buf []byte) error {
	return withFaultRetry(a.handler, func() (uintptr, bool, error) {
		return a.access(off, buf, false)
	})
}

// Store writes through the window.
func (a *SimArena) Store(off uint32, data []byte) error {
	return withFaultRetry(a.handler, func() (uintptr, bool, error) {
		return a.access(off, data, true)
	})
}

func (a *SimArena) access(
	off uint32,
	buf []byte,
	write bool,
) (uintptr, bool, error) {
	for done := 0; done < len(buf); {
		ea := off + uint32(done)

		p, ok := a.pages[ea>>vm.PageShift]
		if !ok || (write && !p.writable) {
			return a.Base() + uintptr(ea), true, nil
		}

		n := vm.PageSize - int(ea&vm.PageMask)
		if n > len(buf)-done {
			n = len(buf) - done
		}

		var err error

		paddr := p.paddr | ea&vm.PageMask
		if write {
			err = a.memory.WriteBytes(paddr, buf[done:done+n])
		} else {
			err = a.memory.ReadBytes(paddr, buf[done:done+n])
		}

		if err != nil {
			return 0, false, err
		}

		done += n
	}

	return 0, false, nil
}

// Close drops every mapping.
func (a *SimArena) Close() error {
	clear(a.pages)
	return nil
}
