// Package system puts the translation machinery together: guest memory, the
// MMU, the watch list, fastmem and event recording.
package system

import (
	"github.com/sarchlab/ppcmmu/datarecording"
	"github.com/sarchlab/ppcmmu/mem/memory"
	"github.com/sarchlab/ppcmmu/mem/vm"
	"github.com/sarchlab/ppcmmu/mem/vm/fastmem"
	"github.com/sarchlab/ppcmmu/mem/vm/mmu"
	"github.com/sarchlab/ppcmmu/mem/vm/watch"
	"github.com/sarchlab/ppcmmu/sim/hooking"
	"go.uber.org/zap"
)

// A System is a guest address space with its translation machinery.
type System struct {
	name   string
	logger *zap.Logger

	Memory   *memory.Space
	MMU      *mmu.Comp
	Watches  *watch.List
	Arena    fastmem.Arena
	Fastmem  *fastmem.Manager
	Accessor *fastmem.Accessor
	Guard    *CPUGuard
	Events   *datarecording.EventRecorder
}

// Name returns the name of the system.
func (s *System) Name() string {
	return s.name
}

func (s *System) watchChanged(ctx hooking.HookCtx) {
	r, ok := ctx.Item.(watch.Range)
	if !ok {
		return
	}

	s.MMU.NotifyWatchpointChanged(r.Start, r.Length(), ctx.Pos == watch.HookPosAdded)
}

// Read loads guest data at effective address ea.
func (s *System) Read(ea uint32, buf []byte) error {
	if s.Accessor != nil {
		return s.Accessor.Read(ea, buf)
	}

	return s.MMU.Read(ea, buf, vm.AccessRead)
}

// Write stores guest data at effective address ea.
func (s *System) Write(ea uint32, data []byte) error {
	if s.Accessor != nil {
		return s.Accessor.Write(ea, data)
	}

	return s.MMU.Write(ea, data)
}

// LoadImage copies a physical memory image to paddr. Stores that land in the
// page table are noticed by the MMU.
func (s *System) LoadImage(paddr uint32, image []byte) error {
	return s.MMU.WritePhysical(paddr, image)
}

// Close drops every host mapping and releases the arena.
func (s *System) Close() error {
	if s.Arena == nil {
		return nil
	}

	if s.Fastmem != nil {
		s.Fastmem.UnmapAll()
	}

	return s.Arena.Close()
}
