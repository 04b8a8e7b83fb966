package mmu

import (
	"github.com/sarchlab/ppcmmu/sim/hooking"
)

// Hook positions fired by the MMU. The item of each is an Invalidation,
// except HookPosRegisterWrite whose item is a RegisterWrite.
var (
	HookPosRegisterWrite  = &hooking.HookPos{Name: "RegisterWrite"}
	HookPosTLBFlush       = &hooking.HookPos{Name: "TLBFlush"}
	HookPosTLBInvalidate  = &hooking.HookPos{Name: "TLBInvalidate"}
	HookPosHostUnmap      = &hooking.HookPos{Name: "HostUnmap"}
	HookPosCodeInvalidate = &hooking.HookPos{Name: "CodeInvalidate"}
	HookPosPageTableStore = &hooking.HookPos{Name: "PageTableStore"}
)

// An Invalidation describes the range an invalidation applies to.
type Invalidation struct {
	Addr   uint32
	Length uint32
	Global bool
}

// A RegisterWrite describes a change of translation registers.
type RegisterWrite struct {
	Kind  RegisterKind
	Index int
	Value uint64
}

func (c *Comp) fire(pos *hooking.HookPos, item interface{}) {
	if c.NumHooks() == 0 {
		return
	}

	c.InvokeHook(hooking.HookCtx{
		Domain: c,
		Pos:    pos,
		Item:   item,
	})
}
