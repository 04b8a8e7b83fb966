package fastmem

import (
	"encoding/binary"

	"github.com/sarchlab/ppcmmu/mem/vm"
)

// SlowPath serves the accesses the arena can not.
type SlowPath interface {
	Read(ea uint32, buf []byte, kind vm.AccessKind) error
	Write(ea uint32, data []byte) error
}

// AccessorStats counts how accesses were served.
type AccessorStats struct {
	Fast uint64
	Slow uint64
}

// An Accessor performs guest data accesses, through the arena when the
// page allows it and through the slow path otherwise. Accesses that cross a
// guest page always take the slow path.
type Accessor struct {
	manager *Manager
	slow    SlowPath
	stats   AccessorStats
}

// NewAccessor creates an accessor.
func NewAccessor(m *Manager, slow SlowPath) *Accessor {
	return &Accessor{manager: m, slow: slow}
}

// Stats returns the counters.
func (a *Accessor) Stats() AccessorStats {
	return a.stats
}

func (a *Accessor) direct(ea uint32, n int) bool {
	return n > 0 &&
		int(ea&vm.PageMask)+n <= vm.PageSize &&
		!a.manager.IsSlow(ea)
}

// Read fills buf from effective address ea.
func (a *Accessor) Read(ea uint32, buf []byte) error {
	if a.direct(ea, len(buf)) && a.manager.arena.Load(ea, buf) == nil {
		a.stats.Fast++
		return nil
	}

	a.stats.Slow++

	if err := a.slow.Read(ea, buf, vm.AccessRead); err != nil {
		return err
	}

	a.manager.Reconsider(ea)

	return nil
}

// Write stores data at effective address ea.
func (a *Accessor) Write(ea uint32, data []byte) error {
	if a.direct(ea, len(data)) && a.manager.arena.Store(ea, data) == nil {
		a.stats.Fast++
		return nil
	}

	a.stats.Slow++

	if err := a.slow.Write(ea, data); err != nil {
		return err
	}

	a.manager.Reconsider(ea)

	return nil
}

// ReadU32 reads a big-endian word.
func (a *Accessor) ReadU32(ea uint32) (uint32, error) {
	var buf [4]byte
	if err := a.Read(ea, buf[:]); err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint32(buf[:]), nil
}

// WriteU32 writes a big-endian word.
func (a *Accessor) WriteU32(ea uint32, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)

	return a.Write(ea, buf[:])
}
