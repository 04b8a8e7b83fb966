// Package tlb implements the translation cache that sits in front of the
// hashed page table walk.
package tlb

import (
	"github.com/sarchlab/ppcmmu/mem/vm"
	"github.com/sarchlab/ppcmmu/mem/vm/tlb/internal"
)

// Side selects the instruction or the data half of the cache.
type Side int

// The two sides.
const (
	SideData Side = iota
	SideInstruction
)

// SideOf returns the side an access kind uses.
func SideOf(kind vm.AccessKind) Side {
	if kind.IsInstruction() {
		return SideInstruction
	}

	return SideData
}

// An Entry is a cached page translation.
type Entry = internal.Entry

// Cache keeps recently walked page translations. Only page-table
// translations are cached. Block translations are served by the BAT tables.
type Cache struct {
	numSets int
	numWays int

	Sets [2][]internal.Set
}

func (c *Cache) reset() {
	for side := range c.Sets {
		c.Sets[side] = make([]internal.Set, c.numSets)
		for i := 0; i < c.numSets; i++ {
			c.Sets[side][i] = internal.NewSet(c.numWays)
		}
	}
}

func (c *Cache) setOf(side Side, ea uint32) internal.Set {
	setID := int(ea>>vm.PageShift) % c.numSets
	return c.Sets[side][setID]
}

// Lookup finds the cached translation of ea. It has no side effects.
func (c *Cache) Lookup(side Side, ea, vsid uint32) (Entry, bool) {
	_, e, found := c.setOf(side, ea).Lookup(ea>>vm.PageShift, vsid)
	if !found || !e.Valid {
		return Entry{}, false
	}

	return e, true
}

// Visit marks the translation of ea as recently used.
func (c *Cache) Visit(side Side, ea, vsid uint32) {
	set := c.setOf(side, ea)

	wayID, _, found := set.Lookup(ea>>vm.PageShift, vsid)
	if found {
		set.Visit(wayID)
	}
}

// Insert caches a translation, replacing an existing entry for the same page
// or else the least recently used way.
func (c *Cache) Insert(side Side, ea, vsid, paddr, pteWord1 uint32) {
	set := c.setOf(side, ea)
	tag := ea >> vm.PageShift

	wayID, _, found := set.Lookup(tag, vsid)
	if !found {
		var ok bool

		wayID, ok = set.Evict()
		if !ok {
			return
		}
	}

	set.Update(wayID, Entry{
		Tag:   tag,
		VSID:  vsid,
		PAddr: paddr &^ vm.PageMask,
		PTE:   pteWord1,
		Valid: true,
	})
	set.Visit(wayID)
}

// InvalidatePage drops every translation of the page containing ea from both
// sides. It returns the number of entries dropped.
func (c *Cache) InvalidatePage(ea uint32) int {
	tag := ea >> vm.PageShift
	n := 0

	for side := range c.Sets {
		n += c.setOf(Side(side), ea).Invalidate(tag)
	}

	return n
}

// Flush drops every cached translation.
func (c *Cache) Flush() {
	for side := range c.Sets {
		for _, set := range c.Sets[side] {
			set.Reset()
		}
	}
}

// Entries lists the valid entries of one side.
func (c *Cache) Entries(side Side) []Entry {
	var entries []Entry

	for _, set := range c.Sets[side] {
		entries = append(entries, set.Entries()...)
	}

	return entries
}
