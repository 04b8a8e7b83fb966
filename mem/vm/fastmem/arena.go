// Package fastmem backs guest memory accesses with direct host mappings.
//
// An Arena reserves a host window as large as the guest effective address
// space. Guest pages are mapped into it on demand, from the host fault
// handler, so that a load or store at effective address ea becomes a host
// access at Base()+ea.
package fastmem

import (
	"github.com/pkg/errors"
	"github.com/sarchlab/ppcmmu/mem/memory"
)

// A FaultHandler resolves an access fault at a host address. It is called
// synchronously on the faulting goroutine and returns false when the fault
// cannot be resolved.
type FaultHandler func(hostAddr uintptr) bool

// Errors returned by arenas.
var (
	ErrFault       = errors.New("unresolved host fault")
	ErrUnaligned   = errors.New("host mapping not aligned to the host page")
	ErrNotBacked   = errors.New("physical range not backed by the arena")
	ErrUnsupported = errors.New("host arena not supported on this platform")
)

// An Arena is a host address window with a map/unmap primitive and a
// fault-handler registration hook.
type Arena interface {
	// Base is the host address of effective address 0.
	Base() uintptr

	// Size is the size of the window in bytes.
	Size() uint64

	// PageSize is the host page size.
	PageSize() uint32

	// SubPageProtection tells if guest pages smaller than a host page can be
	// mapped individually.
	SubPageProtection() bool

	// Map makes [off, off+size) of the window show the guest physical range
	// starting at paddr.
	Map(off, paddr, size uint32, writable bool) error

	// Unmap makes [off, off+size) of the window inaccessible again.
	Unmap(off, size uint32) error

	// RegisterFaultHandler sets the handler called when Load or Store fault.
	RegisterFaultHandler(h FaultHandler)

	// Load copies len(buf) bytes at window offset off into buf.
	Load(off uint32, buf []byte) error

	// Store copies data to window offset off.
	Store(off uint32, data []byte) error

	Close() error
}

// maxFaultRetries bounds how many times one access re-faults before it is
// given up as unresolved.
const maxFaultRetries = 3

// attemptFunc performs one access. It reports the faulting host address when
// the access faults.
type attemptFunc func() (faultAddr uintptr, faulted bool, err error)

// withFaultRetry runs attempt, calling the handler after each fault and
// retrying while the handler reports the fault handled.
func withFaultRetry(h FaultHandler, attempt attemptFunc) error {
	for i := 0; ; i++ {
		addr, faulted, err := attempt()
		if err != nil {
			return err
		}

		if !faulted {
			return nil
		}

		if i == maxFaultRetries || h == nil || !h(addr) {
			return errors.Wrapf(ErrFault, "host address 0x%x", addr)
		}
	}
}

func checkAlignment(off, paddr, size, granularity uint32) error {
	mask := granularity - 1
	if off&mask != 0 || paddr&mask != 0 || size&mask != 0 {
		return errors.Wrapf(ErrUnaligned,
			"offset 0x%x physical 0x%x size 0x%x granularity 0x%x",
			off, paddr, size, granularity)
	}

	return nil
}

// A HostArena is an arena backed by real host mappings. It owns guest RAM,
// which the slow path reaches through Space.
type HostArena interface {
	Arena
	Space() *memory.Space
}
