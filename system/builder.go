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

// FastmemMode selects how guest accesses reach memory.
type FastmemMode string

// Fastmem modes.
const (
	// FastmemOff sends every access through the MMU.
	FastmemOff FastmemMode = "off"

	// FastmemSim maps pages into a simulated arena.
	FastmemSim FastmemMode = "sim"

	// FastmemHost maps pages into a real host window, falling back to a
	// simulated arena where the host can not provide one.
	FastmemHost FastmemMode = "host"
)

// ExtendedRAMBase is where the extended RAM bank sits in physical memory.
const ExtendedRAMBase = 0x10000000

// A Builder can build systems.
type Builder struct {
	ramSize           uint32
	extendedRAMSize   uint32
	fastmem           FastmemMode
	hostPageSize      uint32
	subPageProtection bool
	extendedBATs      bool
	recorder          datarecording.DataRecorder
	logger            *zap.Logger
}

// MakeBuilder returns a Builder with 24 MiB of RAM and a simulated fastmem
// arena with 4 KiB host pages.
func MakeBuilder() Builder {
	return Builder{
		ramSize:           24 << 20,
		fastmem:           FastmemSim,
		hostPageSize:      vm.PageSize,
		subPageProtection: true,
		logger:            zap.NewNop(),
	}
}

// WithRAMSize sets the size of main RAM at physical address 0.
func (b Builder) WithRAMSize(size uint32) Builder {
	b.ramSize = size
	return b
}

// WithExtendedRAMSize adds a RAM bank at ExtendedRAMBase. Zero means none.
func (b Builder) WithExtendedRAMSize(size uint32) Builder {
	b.extendedRAMSize = size
	return b
}

// WithFastmem sets the fastmem mode.
func (b Builder) WithFastmem(mode FastmemMode) Builder {
	b.fastmem = mode
	return b
}

// WithHostPageSize sets the host page size of a simulated arena.
func (b Builder) WithHostPageSize(size uint32) Builder {
	b.hostPageSize = size
	return b
}

// WithSubPageProtection sets whether a simulated arena can protect guest
// pages smaller than its host pages.
func (b Builder) WithSubPageProtection(enabled bool) Builder {
	b.subPageProtection = enabled
	return b
}

// WithExtendedBATs enables 8 BAT pairs per side.
func (b Builder) WithExtendedBATs(enabled bool) Builder {
	b.extendedBATs = enabled
	return b
}

// WithRecorder records the translation events into r.
func (b Builder) WithRecorder(r datarecording.DataRecorder) Builder {
	b.recorder = r
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l *zap.Logger) Builder {
	b.logger = l
	return b
}

func (b Builder) regions() []memory.Region {
	regions := []memory.Region{{Base: 0, Size: b.ramSize}}
	if b.extendedRAMSize > 0 {
		regions = append(regions,
			memory.Region{Base: ExtendedRAMBase, Size: b.extendedRAMSize})
	}

	return regions
}

// Build creates a system.
func (b Builder) Build(name string) *System {
	s := &System{
		name:    name,
		logger:  b.logger.Named(name),
		Watches: watch.NewList(),
		Guard:   &CPUGuard{},
	}

	b.buildMemory(s)

	s.MMU = mmu.MakeBuilder().
		WithMemory(s.Memory).
		WithWatches(s.Watches).
		WithExtendedBATs(b.extendedBATs).
		WithLogger(b.logger).
		Build(name + ".MMU")

	if s.Arena != nil {
		s.Fastmem = fastmem.MakeBuilder().
			WithArena(s.Arena).
			WithTranslator(s.MMU).
			WithMemory(s.Memory).
			WithWatches(s.Watches).
			WithLogger(b.logger).
			Build(name + ".Fastmem")
		s.MMU.SetHostMapper(s.Fastmem)
		s.Accessor = fastmem.NewAccessor(s.Fastmem, s.MMU)
	}

	s.Watches.AcceptHook(hooking.NewHookFunc(s.watchChanged))

	if b.recorder != nil {
		s.Events = datarecording.NewEventRecorder(b.recorder)
		s.MMU.AcceptHook(s.Events)
		s.Watches.AcceptHook(s.Events)

		if s.Fastmem != nil {
			s.Fastmem.AcceptHook(s.Events)
		}
	}

	return s
}

func (b Builder) buildMemory(s *System) {
	if b.fastmem == FastmemHost {
		arena, err := fastmem.NewHostArena(b.regions())
		if err == nil {
			s.Arena = arena
			s.Memory = arena.Space()

			return
		}

		s.logger.Warn("host fastmem unavailable, using a simulated arena",
			zap.Error(err))
	}

	s.Memory = memory.NewSpace()
	for _, r := range b.regions() {
		s.Memory.AddRegion(r.Base, memory.NewStorage(r.Size))
	}

	if b.fastmem == FastmemOff {
		return
	}

	s.Arena = fastmem.NewSimArena(s.Memory, b.hostPageSize, b.subPageProtection)
}
