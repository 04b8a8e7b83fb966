// Package internal provides the set structure of the translation cache.
package internal

import (
	"sort"
)

// An Entry is one cached translation.
type Entry struct {
	Tag   uint32 // effective page number, ea >> 12
	VSID  uint32
	PAddr uint32 // physical page address
	PTE   uint32 // second PTE word, with R/C as they were when cached
	Valid bool
}

// A Set holds a certain number of entries. Lookup, Update, Evict and Visit
// are the operations that can be performed on a set.
type Set interface {
	Lookup(tag, vsid uint32) (wayID int, entry Entry, found bool)
	Update(wayID int, entry Entry)
	Evict() (wayID int, ok bool)
	Visit(wayID int)
	Invalidate(tag uint32) int
	Reset()
	Entries() []Entry
}

type key struct {
	tag  uint32
	vsid uint32
}

type block struct {
	entry     Entry
	wayID     int
	lastVisit uint64
}

func (b *block) Less(anotherBlock *block) bool {
	return b.lastVisit < anotherBlock.lastVisit
}

type setImpl struct {
	blocks     []*block
	wayIDMap   map[key]int
	visitList  []*block
	visitCount uint64
}

// NewSet creates a new set with numWays empty ways.
func NewSet(numWays int) Set {
	s := &setImpl{}
	s.blocks = make([]*block, numWays)
	s.visitList = make([]*block, 0, numWays)
	s.wayIDMap = make(map[key]int, numWays)

	for i := range s.blocks {
		b := &block{}
		s.blocks[i] = b
		b.wayID = i
		s.Visit(i)
	}

	return s
}

func (s *setImpl) Lookup(tag, vsid uint32) (
	wayID int,
	entry Entry,
	found bool,
) {
	wayID, ok := s.wayIDMap[key{tag: tag, vsid: vsid}]
	if !ok {
		return 0, Entry{}, false
	}

	block := s.blocks[wayID]

	return block.wayID, block.entry, true
}

func (s *setImpl) Update(wayID int, entry Entry) {
	block := s.blocks[wayID]
	if block.entry.Valid {
		delete(s.wayIDMap, key{tag: block.entry.Tag, vsid: block.entry.VSID})
	}

	block.entry = entry
	if entry.Valid {
		s.wayIDMap[key{tag: entry.Tag, vsid: entry.VSID}] = wayID
	}
}

// Evict removes the least recently visited way from the visit list. The way
// must be visited again after being filled.
func (s *setImpl) Evict() (wayID int, ok bool) {
	if s.hasNothingToEvict() {
		return 0, false
	}

	leastVisited := s.visitList[0]
	wayID = leastVisited.wayID
	s.visitList = s.visitList[1:]

	return wayID, true
}

func (s *setImpl) Visit(wayID int) {
	block := s.blocks[wayID]

	for i, b := range s.visitList {
		if b.wayID == wayID {
			s.visitList = append(s.visitList[:i], s.visitList[i+1:]...)
			break
		}
	}

	s.visitCount++
	block.lastVisit = s.visitCount

	index := sort.Search(len(s.visitList), func(i int) bool {
		return s.visitList[i].lastVisit > block.lastVisit
	})

	s.visitList = append(s.visitList, nil)
	copy(s.visitList[index+1:], s.visitList[index:])
	s.visitList[index] = block
}

// Invalidate drops every way holding tag, whatever its VSID, and makes the
// dropped ways the first candidates for eviction.
func (s *setImpl) Invalidate(tag uint32) int {
	n := 0

	for _, b := range s.blocks {
		if !b.entry.Valid || b.entry.Tag != tag {
			continue
		}

		s.Update(b.wayID, Entry{})
		s.demote(b)
		n++
	}

	return n
}

func (s *setImpl) demote(b *block) {
	for i, v := range s.visitList {
		if v == b {
			s.visitList = append(s.visitList[:i], s.visitList[i+1:]...)
			break
		}
	}

	b.lastVisit = 0
	s.visitList = append([]*block{b}, s.visitList...)
}

func (s *setImpl) Reset() {
	for _, b := range s.blocks {
		b.entry = Entry{}
		b.lastVisit = 0
	}

	clear(s.wayIDMap)
	s.visitList = s.visitList[:0]
	s.visitCount = 0

	for i := range s.blocks {
		s.Visit(i)
	}
}

func (s *setImpl) Entries() []Entry {
	entries := make([]Entry, 0, len(s.blocks))

	for _, b := range s.blocks {
		if b.entry.Valid {
			entries = append(entries, b.entry)
		}
	}

	return entries
}

func (s *setImpl) hasNothingToEvict() bool {
	return len(s.visitList) == 0
}
