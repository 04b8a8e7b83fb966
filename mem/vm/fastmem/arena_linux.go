//go:build linux && (amd64 || arm64)

package fastmem

import (
	"runtime/debug"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sarchlab/ppcmmu/mem/memory"
	"github.com/sarchlab/ppcmmu/mem/vm"
	"golang.org/x/sys/unix"
)

const windowSize = 1 << 32

type backedRegion struct {
	memory.Region
	fileOff uint64
}

// UnixArena keeps guest RAM in a memfd and maps slices of it into a reserved
// 4 GiB window. Guest RAM is also reachable through a shared view of the
// file, which backs the physical Space returned by Space.
type UnixArena struct {
	fd       int
	regions  []backedRegion
	physView []byte
	window   []byte
	pageSize uint32
	handler  FaultHandler
	space    *memory.Space
}

// NewHostArena creates an arena whose RAM is laid out as in regions.
func NewHostArena(regions []memory.Region) (HostArena, error) {
	pageSize := uint32(unix.Getpagesize())

	a := &UnixArena{fd: -1, pageSize: pageSize}

	var total uint64
	for _, r := range regions {
		if r.Base%pageSize != 0 || r.Size%pageSize != 0 {
			return nil, errors.Wrapf(ErrUnaligned,
				"region 0x%08x+0x%x", r.Base, r.Size)
		}

		a.regions = append(a.regions, backedRegion{Region: r, fileOff: total})
		total += uint64(r.Size)
	}

	if total == 0 {
		return nil, errors.New("no guest RAM regions")
	}

	fd, err := unix.MemfdCreate("ppcmmu-ram", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "memfd_create")
	}

	a.fd = fd

	if err := a.setup(total); err != nil {
		_ = a.Close()
		return nil, err
	}

	return a, nil
}

func (a *UnixArena) setup(total uint64) error {
	if err := unix.Ftruncate(a.fd, int64(total)); err != nil {
		return errors.Wrap(err, "ftruncate")
	}

	physView, err := unix.Mmap(a.fd, 0, int(total),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return errors.Wrap(err, "mapping the physical view")
	}

	a.physView = physView

	window, err := unix.Mmap(-1, 0, windowSize, unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return errors.Wrap(err, "reserving the window")
	}

	a.window = window

	a.space = memory.NewSpace()
	for _, r := range a.regions {
		view := a.physView[r.fileOff : r.fileOff+uint64(r.Size)]
		a.space.AddRegion(r.Base, memory.NewBackedStorage(view))
	}

	return nil
}

// Space returns guest physical memory backed by the arena.
func (a *UnixArena) Space() *memory.Space { return a.space }

// Base returns the host address of the window.
func (a *UnixArena) Base() uintptr {
	return uintptr(unsafe.Pointer(&a.window[0]))
}

// Size returns the window size.
func (a *UnixArena) Size() uint64 { return windowSize }

// PageSize returns the host page size.
func (a *UnixArena) PageSize() uint32 { return a.pageSize }

// SubPageProtection is only available when host pages are guest-sized.
func (a *UnixArena) SubPageProtection() bool {
	return a.pageSize == vm.PageSize
}

// RegisterFaultHandler sets the fault handler.
func (a *UnixArena) RegisterFaultHandler(h FaultHandler) { a.handler = h }

func (a *UnixArena) fileOffset(paddr, size uint32) (uint64, bool) {
	end := uint64(paddr) + uint64(size)
	for _, r := range a.regions {
		if paddr >= r.Base && end <= r.End() {
			return r.fileOff + uint64(paddr-r.Base), true
		}
	}

	return 0, false
}

// Map maps a slice of guest RAM into the window.
func (a *UnixArena) Map(off, paddr, size uint32, writable bool) error {
	if err := checkAlignment(off, paddr, size, a.pageSize); err != nil {
		return err
	}

	fileOff, ok := a.fileOffset(paddr, size)
	if !ok {
		return errors.Wrapf(ErrNotBacked, "0x%08x+0x%x", paddr, size)
	}

	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}

	_, err := unix.MmapPtr(a.fd, int64(fileOff),
		unsafe.Pointer(&a.window[off]), uintptr(size),
		prot, unix.MAP_SHARED|unix.MAP_FIXED)

	return errors.Wrapf(err, "mapping 0x%08x", off)
}

// Unmap replaces part of the window with an inaccessible reservation.
func (a *UnixArena) Unmap(off, size uint32) error {
	if err := checkAlignment(off, 0, size, a.pageSize); err != nil {
		return err
	}

	_, err := unix.MmapPtr(-1, 0,
		unsafe.Pointer(&a.window[off]), uintptr(size), unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED|unix.MAP_NORESERVE)

	return errors.Wrapf(err, "unmapping 0x%08x", off)
}

// Load reads through the window.
func (a *UnixArena) Load(off uint32, buf []byte) error {
	return withFaultRetry(a.handler, func() (uintptr, bool, error) {
		return a.copyGuarded(buf, a.window[off:uint64(off)+uint64(len(buf))])
	})
}

// Store writes through the window.
func (a *UnixArena) Store(off uint32, data []byte) error {
	return withFaultRetry(a.handler, func() (uintptr, bool, error) {
		return a.copyGuarded(a.window[off:uint64(off)+uint64(len(data))], data)
	})
}

// copyGuarded copies src to dst, turning a memory fault into a reported
// fault address.
func (a *UnixArena) copyGuarded(
	dst, src []byte,
) (faultAddr uintptr, faulted bool, err error) {
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)

	defer func() {
		r := recover()
		if r == nil {
			return
		}

		addrErr, ok := r.(interface{ Addr() uintptr })
		if !ok {
			panic(r)
		}

		faultAddr, faulted = addrErr.Addr(), true
	}()

	copy(dst, src)

	return 0, false, nil
}

// Close releases the window, the physical view and the memfd.
func (a *UnixArena) Close() error {
	var firstErr error

	if a.window != nil {
		firstErr = unix.Munmap(a.window)
		a.window = nil
	}

	if a.physView != nil {
		if err := unix.Munmap(a.physView); err != nil && firstErr == nil {
			firstErr = err
		}

		a.physView = nil
	}

	if a.fd >= 0 {
		if err := unix.Close(a.fd); err != nil && firstErr == nil {
			firstErr = err
		}

		a.fd = -1
	}

	return firstErr
}
