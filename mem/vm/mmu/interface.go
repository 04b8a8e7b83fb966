package mmu

// CodeCache is the owner of compiled guest code. It is told about every
// change that may invalidate code compiled under the old translation state.
type CodeCache interface {
	InvalidateRange(addr uint32, length uint32)
	ClearAll()
}

// HostMapper owns the direct host mappings of guest pages. The MMU drops
// mappings through it before they can go stale.
type HostMapper interface {
	Unmap(addr uint32, length uint32)
	UnmapAll()
	HasMappingsIn(addr uint32, length uint32) bool
}
