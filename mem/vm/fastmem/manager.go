package fastmem

import (
	"sort"

	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"
	"github.com/sarchlab/ppcmmu/mem/vm"
	"github.com/sarchlab/ppcmmu/sim/hooking"
	"go.uber.org/zap"
)

// Translator resolves effective addresses for the Manager.
type Translator interface {
	Translate(ea uint32, kind vm.AccessKind) (vm.Result, error)
	IsPageTableRange(paddr, length uint32) bool
}

// RAM tells which guest physical ranges the arena can map.
type RAM interface {
	Contains(addr uint32, length uint32) bool
}

// Stats counts what the Manager did.
type Stats struct {
	Faults           uint64
	UnresolvedFaults uint64
	Maps             uint64
	Unmaps           uint64
	SlowMarks        uint64
	MapFailures      uint64
}

type record struct {
	paddr    uint32
	writable bool
}

// plan is the mapping decision for one guest page of a host page.
type plan struct {
	ea       uint32
	paddr    uint32
	eligible bool
	writable bool
}

// Manager installs host mappings of guest pages from the fault handler and
// tears them down when the MMU says they went stale.
//
// Bookkeeping is per guest page. A page is mapped when it is accessible in
// the window. A page is slow when the fault handler decided it can not be
// mapped; accesses to it are served by the slow path until the next unmap of
// its range. A page is pending when its host page could not be mapped, or
// upgraded to writable, only because a sibling guest page was not referenced
// or changed yet; the mark is dropped after each slow access so the mapping
// is retried.
type Manager struct {
	hooking.HookableBase

	name       string
	logger     *zap.Logger
	arena      Arena
	translator Translator
	ram        RAM
	watches    vm.RangeChecker

	records map[uint32]record
	mapped  *bitset.BitSet
	slow    *bitset.BitSet
	pending *bitset.BitSet
	stats   Stats
}

// Name returns the name of the manager.
func (m *Manager) Name() string {
	return m.name
}

// Arena returns the arena the manager maps into.
func (m *Manager) Arena() Arena {
	return m.arena
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	return m.stats
}

func pageNum(ea uint32) uint {
	return uint(ea >> vm.PageShift)
}

// granularity is the smallest range that can be mapped on its own.
func (m *Manager) granularity() uint32 {
	if m.arena.SubPageProtection() {
		return vm.PageSize
	}

	return m.arena.PageSize()
}

// OnHostFault is the arena fault handler. It returns true when the effective
// address translates, whether or not a mapping was installed.
func (m *Manager) OnHostFault(hostAddr uintptr) bool {
	base := m.arena.Base()
	if hostAddr < base || uint64(hostAddr-base) >= m.arena.Size() {
		return false
	}

	ea := uint32(hostAddr - base)
	page := ea &^ vm.PageMask
	hostSize := m.arena.PageSize()
	hostStart := ea &^ (hostSize - 1)

	m.stats.Faults++

	// Only stores fault on a read-only mapping.
	kind := vm.AccessRead
	if rec, ok := m.records[page>>vm.PageShift]; ok {
		if rec.writable {
			m.logger.Warn("fault on a writable mapping",
				zap.Uint32("ea", ea))
			m.dropGranule(pageNum(page))
		} else {
			kind = vm.AccessWrite
		}
	}

	res, err := m.translator.Translate(ea, kind)

	m.fire(HookPosFault, Fault{EA: ea, Kind: kind, Handled: err == nil})

	if err != nil {
		m.stats.UnresolvedFaults++
		m.logger.Debug("fault on untranslatable address",
			zap.Uint32("ea", ea),
			zap.Stringer("kind", kind),
			zap.Error(err))

		return false
	}

	// Slow marks hold until the range is unmapped. A pending write waits for
	// the slow path to change the sibling pages.
	if m.slow.Test(pageNum(page)) ||
		(kind.IsWrite() && m.pending.Test(pageNum(page))) {
		return true
	}

	plans := m.planHostPage(hostStart, hostSize, page, res)

	if m.arena.SubPageProtection() || hostSize == vm.PageSize {
		m.mapPages(plans, page, kind)
	} else {
		m.mapHostPage(plans, hostStart, hostSize, kind)
	}

	return true
}

func (m *Manager) planHostPage(
	hostStart, hostSize, page uint32,
	res vm.Result,
) []plan {
	plans := make([]plan, 0, hostSize/vm.PageSize)

	for off := uint32(0); off < hostSize; off += vm.PageSize {
		ea := hostStart + off
		if ea == page {
			plans = append(plans, m.planPage(ea, res, true))
			continue
		}

		r, err := m.translator.Translate(ea, vm.AccessProbe)
		if err != nil {
			plans = append(plans, plan{ea: ea})
			continue
		}

		plans = append(plans, m.planPage(ea, r, false))
	}

	return plans
}

func (m *Manager) planPage(ea uint32, res vm.Result, faulting bool) plan {
	p := plan{ea: ea, paddr: res.PAddr &^ vm.PageMask}

	p.eligible = res.Direct &&
		(faulting || res.Referenced) &&
		m.ram.Contains(p.paddr, vm.PageSize) &&
		!m.watched(ea)

	p.writable = res.Writable && res.Changed &&
		!m.translator.IsPageTableRange(p.paddr, vm.PageSize)

	return p
}

func (m *Manager) watched(ea uint32) bool {
	return m.watches != nil && m.watches.Overlaps(ea, vm.PageSize)
}

// mapPages maps guest pages one by one.
func (m *Manager) mapPages(plans []plan, page uint32, kind vm.AccessKind) {
	for _, p := range plans {
		if p.ea != page {
			if _, ok := m.records[p.ea>>vm.PageShift]; ok || !p.eligible {
				continue
			}
		} else if !p.eligible || (kind.IsWrite() && !p.writable) {
			m.dropRange(p.ea, vm.PageSize)
			m.markSlow(p.ea, vm.PageSize, m.slow)

			continue
		}

		m.install(p.ea, p.paddr, vm.PageSize, p.writable)
	}
}

// mapHostPage maps the whole host page or leaves it all to the slow path.
func (m *Manager) mapHostPage(
	plans []plan,
	hostStart, hostSize uint32,
	kind vm.AccessKind,
) {
	first := plans[0]
	writable := true
	unreferenced := true
	reason := ""

	for i, p := range plans {
		switch {
		case !p.eligible:
			if reason == "" {
				reason = "guest page not directly mappable"
			}

			unreferenced = unreferenced && m.unreferencedOnly(p)
		case p.paddr != first.paddr+uint32(i)*vm.PageSize:
			reason = "guest pages not physically contiguous"
		}

		writable = writable && p.writable
	}

	if reason == "" && first.paddr%hostSize != 0 {
		reason = "physical base not aligned to the host page"
	}

	if reason == "" && kind.IsWrite() && !writable {
		m.keepReadOnly(hostStart, hostSize)
		return
	}

	if reason == "" {
		m.install(hostStart, first.paddr, hostSize, writable)
		return
	}

	m.dropRange(hostStart, hostSize)

	if unreferenced && reason == "guest page not directly mappable" {
		m.markSlow(hostStart, hostSize, m.pending)
	} else {
		m.markSlow(hostStart, hostSize, m.slow)
	}

	m.logger.Info("host page left to the slow path",
		zap.Uint32("ea", hostStart),
		zap.String("reason", reason),
		zap.Error(vm.ErrHostMappingFailed))
}

// keepReadOnly leaves a read-only host page in place when a store hits a
// guest page whose siblings are not changed yet. Stores go to the slow path
// until Reconsider, then the next write fault retries the upgrade.
func (m *Manager) keepReadOnly(hostStart, hostSize uint32) {
	m.markSlow(hostStart, hostSize, m.pending)

	m.logger.Info("host page kept read-only",
		zap.Uint32("ea", hostStart),
		zap.String("reason", "guest pages disagree on write protection"),
		zap.Error(vm.ErrHostMappingFailed))
}

// unreferencedOnly tells if an ineligible page would be eligible once it is
// referenced.
func (m *Manager) unreferencedOnly(p plan) bool {
	res, err := m.translator.Translate(p.ea, vm.AccessProbe)
	if err != nil {
		return false
	}

	res.Referenced = true

	return m.planPage(p.ea, res, false).eligible
}

func (m *Manager) install(ea, paddr, size uint32, writable bool) bool {
	if err := m.arena.Map(ea, paddr, size, writable); err != nil {
		m.stats.MapFailures++
		m.logger.Info("cannot install host mapping",
			zap.Uint32("ea", ea),
			zap.Uint32("paddr", paddr),
			zap.Error(errors.WithMessage(vm.ErrHostMappingFailed, err.Error())))
		m.markSlow(ea, size, m.slow)

		return false
	}

	for off := uint32(0); off < size; off += vm.PageSize {
		n := pageNum(ea + off)
		m.records[uint32(n)] = record{paddr: paddr + off, writable: writable}
		m.mapped.Set(n)
		m.slow.Clear(n)
		m.pending.Clear(n)
	}

	m.stats.Maps++
	m.fire(HookPosMap, Mapping{
		EA: ea, PAddr: paddr, Size: size, Writable: writable,
	})

	return true
}

func (m *Manager) markSlow(ea, size uint32, marks *bitset.BitSet) {
	for off := uint32(0); off < size; off += vm.PageSize {
		marks.Set(pageNum(ea + off))
	}

	m.stats.SlowMarks++
	m.fire(HookPosSlow, Mapping{EA: ea, Size: size})
}

// dropRange removes mappings from [ea, ea+size), which must be aligned to
// the granularity.
func (m *Manager) dropRange(ea, size uint32) {
	first := pageNum(ea)
	last := first + uint(size>>vm.PageShift)

	for i, ok := m.mapped.NextSet(first); ok && i < last; i, ok = m.mapped.NextSet(i + 1) {
		m.dropGranule(i)
	}
}

// dropGranule unmaps the granule holding guest page n.
func (m *Manager) dropGranule(n uint) {
	gran := m.granularity()
	perGranule := uint(gran >> vm.PageShift)
	start := n &^ (perGranule - 1)
	ea := uint32(start << vm.PageShift)

	if err := m.arena.Unmap(ea, gran); err != nil {
		m.logger.Warn("cannot remove host mapping",
			zap.Uint32("ea", ea), zap.Error(err))
	}

	rec := m.records[uint32(start)]
	for i := start; i < start+perGranule; i++ {
		delete(m.records, uint32(i))
		m.mapped.Clear(i)
	}

	m.stats.Unmaps++
	m.fire(HookPosUnmap, Mapping{
		EA: ea, PAddr: rec.paddr, Size: gran, Writable: rec.writable,
	})
}

func clearRange(marks *bitset.BitSet, first, last uint) {
	for i, ok := marks.NextSet(first); ok && i < last; i, ok = marks.NextSet(i + 1) {
		marks.Clear(i)
	}
}

// granuleRange returns the guest page numbers [first, last) of the granules
// covering [ea, ea+length).
func (m *Manager) granuleRange(ea, length uint32) (first, last uint) {
	gran := uint64(m.granularity())
	start := uint64(ea) &^ (gran - 1)
	end := (uint64(ea) + uint64(length) + gran - 1) &^ (gran - 1)

	return uint(start >> vm.PageShift), uint(end >> vm.PageShift)
}

// Unmap drops every mapping that overlaps [ea, ea+length) and forgets the
// slow marks there.
func (m *Manager) Unmap(ea, length uint32) {
	if length == 0 {
		return
	}

	first, last := m.granuleRange(ea, length)

	for i, ok := m.mapped.NextSet(first); ok && i < last; i, ok = m.mapped.NextSet(i + 1) {
		m.dropGranule(i)
	}

	clearRange(m.slow, first, last)
	clearRange(m.pending, first, last)
}

// UnmapAll drops every mapping and every slow mark.
func (m *Manager) UnmapAll() {
	for i, ok := m.mapped.NextSet(0); ok; i, ok = m.mapped.NextSet(i + 1) {
		m.dropGranule(i)
	}

	m.slow.ClearAll()
	m.pending.ClearAll()
}

// HasMappingsIn tells if any page in [ea, ea+length) is mapped.
func (m *Manager) HasMappingsIn(ea, length uint32) bool {
	if length == 0 {
		return false
	}

	first := pageNum(ea)
	last := uint((uint64(ea) + uint64(length) - 1) >> vm.PageShift)

	i, ok := m.mapped.NextSet(first)

	return ok && i <= last
}

// IsMapped tells if the guest page holding ea is mapped.
func (m *Manager) IsMapped(ea uint32) bool {
	return m.mapped.Test(pageNum(ea))
}

// IsSlow tells if accesses to the guest page holding ea should go to the
// slow path.
func (m *Manager) IsSlow(ea uint32) bool {
	n := pageNum(ea)
	return m.slow.Test(n) || m.pending.Test(n)
}

// Reconsider drops a pending mark on the host page holding ea, so that the
// next access faults and retries the mapping.
func (m *Manager) Reconsider(ea uint32) {
	n := pageNum(ea)
	if !m.pending.Test(n) {
		return
	}

	first, last := m.granuleRange(ea, 1)
	clearRange(m.pending, first, last)
}

// Mapping returns the mapping of the guest page holding ea.
func (m *Manager) Mapping(ea uint32) (Mapping, bool) {
	page := ea &^ vm.PageMask

	rec, ok := m.records[page>>vm.PageShift]
	if !ok {
		return Mapping{}, false
	}

	return Mapping{
		EA: page, PAddr: rec.paddr, Size: vm.PageSize, Writable: rec.writable,
	}, true
}

// Mappings lists the mapped guest pages in address order.
func (m *Manager) Mappings() []Mapping {
	mappings := make([]Mapping, 0, len(m.records))
	for n, rec := range m.records {
		mappings = append(mappings, Mapping{
			EA:       n << vm.PageShift,
			PAddr:    rec.paddr,
			Size:     vm.PageSize,
			Writable: rec.writable,
		})
	}

	sort.Slice(mappings, func(i, j int) bool {
		return mappings[i].EA < mappings[j].EA
	})

	return mappings
}
