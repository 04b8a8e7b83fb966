// Package vm provides the models for PowerPC address translation: register
// encodings, page table entries, access kinds, translation results and the
// interfaces shared by the resolvers and the host mapping manager.
package vm

import (
	"errors"
	"fmt"
)

// Guest page geometry. The guest always uses 4 KiB pages.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1
)

// NumSegments is the number of segment registers.
const NumSegments = 16

// AccessKind tells what kind of access triggers a translation.
type AccessKind int

// Probes translate without side effects: they never set R/C bits and never
// fill the translation cache. Debuggers and the fastmem sibling-page scan use
// them.
const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessExecute
	AccessProbe
	AccessProbeExecute
)

// IsInstruction tells if the access uses the instruction side (IBATs, MSR.IR
// and the instruction translation cache).
func (k AccessKind) IsInstruction() bool {
	return k == AccessExecute || k == AccessProbeExecute
}

// IsProbe tells if the access must not have side effects.
func (k AccessKind) IsProbe() bool {
	return k == AccessProbe || k == AccessProbeExecute
}

// IsWrite tells if the access stores to memory.
func (k AccessKind) IsWrite() bool {
	return k == AccessWrite
}

func (k AccessKind) String() string {
	switch k {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExecute:
		return "execute"
	case AccessProbe:
		return "probe"
	case AccessProbeExecute:
		return "probe-execute"
	default:
		return fmt.Sprintf("AccessKind(%d)", int(k))
	}
}

// Source tells which mechanism produced a translation.
type Source int

// The possible translation sources.
const (
	SourceReal Source = iota
	SourceBAT
	SourcePageTable
)

func (s Source) String() string {
	switch s {
	case SourceReal:
		return "real"
	case SourceBAT:
		return "bat"
	case SourcePageTable:
		return "page-table"
	default:
		return fmt.Sprintf("Source(%d)", int(s))
	}
}

// Errors returned by translation. NotMapped, PermissionDenied and DirectStore
// are guest-visible and become storage exceptions in the interpreter.
// HostMappingFailed never reaches the guest.
var (
	ErrNotMapped         = errors.New("not mapped")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrDirectStore       = errors.New("direct-store segment")
	ErrHostMappingFailed = errors.New("host mapping failed")
)

// A TranslationError reports a failed translation of a logical address.
type TranslationError struct {
	Addr uint32
	Kind AccessKind
	Err  error
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("%s at 0x%08x: %v", e.Kind, e.Addr, e.Err)
}

func (e *TranslationError) Unwrap() error {
	return e.Err
}

// Result is the outcome of a successful translation.
type Result struct {
	PAddr  uint32
	Source Source
	WIMG   uint8

	// Writable is set when the protection bits allow stores.
	Writable bool

	// Referenced and Changed mirror the PTE R/C bits after the translation.
	// BAT and real-mode translations report both as set.
	Referenced bool
	Changed    bool

	// Direct is set when the translation may be served by a direct host
	// mapping. BAT results carry the table's decision; page-table results
	// exclude write-through, cache-inhibited and guarded pages.
	Direct bool
}

// WI tells if either the write-through or the cache-inhibit bit is set.
func (r Result) WI() bool {
	return r.WIMG&(WIMGWriteThrough|WIMGCacheInhibit) != 0
}

// PhysicalMemory is the guest physical RAM as seen by the translator.
type PhysicalMemory interface {
	ReadBytes(addr uint32, buf []byte) error
	WriteBytes(addr uint32, data []byte) error
	Contains(addr uint32, length uint32) bool
}

// RangeChecker answers whether an address range overlaps a watched range.
type RangeChecker interface {
	Overlaps(addr uint32, length uint32) bool
}
