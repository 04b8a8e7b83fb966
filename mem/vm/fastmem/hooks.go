package fastmem

import (
	"github.com/sarchlab/ppcmmu/mem/vm"
	"github.com/sarchlab/ppcmmu/sim/hooking"
)

// Hook positions fired by the Manager.
var (
	// HookPosFault fires on every host fault. The item is a Fault.
	HookPosFault = &hooking.HookPos{Name: "HostFault"}

	// HookPosMap fires when a mapping is installed. The item is a Mapping.
	HookPosMap = &hooking.HookPos{Name: "HostMap"}

	// HookPosSlow fires when a range is left to the slow path. The item is
	// a Mapping with a zero PAddr.
	HookPosSlow = &hooking.HookPos{Name: "HostSlow"}

	// HookPosUnmap fires when mappings are dropped. The item is a Mapping.
	HookPosUnmap = &hooking.HookPos{Name: "HostDrop"}
)

// A Fault describes one host fault taken in the arena window.
type Fault struct {
	EA      uint32
	Kind    vm.AccessKind
	Handled bool
}

// A Mapping is a range of the window showing guest physical memory.
type Mapping struct {
	EA       uint32
	PAddr    uint32
	Size     uint32
	Writable bool
}

func (m *Manager) fire(pos *hooking.HookPos, item interface{}) {
	if m.NumHooks() == 0 {
		return
	}

	m.InvokeHook(hooking.HookCtx{
		Domain: m,
		Pos:    pos,
		Item:   item,
	})
}
