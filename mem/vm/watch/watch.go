// Package watch keeps the list of guest memory ranges under a data
// watchpoint.
package watch

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sarchlab/ppcmmu/sim/hooking"
)

// Hook positions. The item is the Range added or removed.
var (
	HookPosAdded   = &hooking.HookPos{Name: "WatchAdded"}
	HookPosRemoved = &hooking.HookPos{Name: "WatchRemoved"}
)

// ErrInvalidRange is returned for a range that ends before it starts.
var ErrInvalidRange = errors.New("invalid watch range")

// A Range is an inclusive range of effective addresses.
type Range struct {
	Start uint32
	End   uint32
}

// Length returns the number of bytes in the range, saturated to fit uint32.
func (r Range) Length() uint32 {
	n := uint64(r.End) - uint64(r.Start) + 1
	if n > 0xffffffff {
		return 0xffffffff
	}

	return uint32(n)
}

// Overlaps tells if the range shares a byte with [addr, addr+length).
func (r Range) Overlaps(addr, length uint32) bool {
	if length == 0 {
		return false
	}

	last := uint64(addr) + uint64(length) - 1

	return uint64(r.Start) <= last && addr <= r.End
}

// A List is the set of watched ranges. It notifies its hooks on changes.
type List struct {
	hooking.HookableBase

	lock   sync.RWMutex
	ranges []Range
}

// NewList creates an empty list.
func NewList() *List {
	return &List{}
}

// Add starts watching r. Adding a range already watched does nothing.
func (l *List) Add(r Range) error {
	if r.End < r.Start {
		return errors.Wrapf(ErrInvalidRange, "0x%08x-0x%08x", r.Start, r.End)
	}

	l.lock.Lock()
	for _, existing := range l.ranges {
		if existing == r {
			l.lock.Unlock()
			return nil
		}
	}

	l.ranges = append(l.ranges, r)
	l.lock.Unlock()

	l.InvokeHook(hooking.HookCtx{Domain: l, Pos: HookPosAdded, Item: r})

	return nil
}

// Remove stops watching r. It returns false if r was not watched.
func (l *List) Remove(r Range) bool {
	l.lock.Lock()

	found := false
	for i, existing := range l.ranges {
		if existing == r {
			l.ranges = append(l.ranges[:i], l.ranges[i+1:]...)
			found = true

			break
		}
	}
	l.lock.Unlock()

	if found {
		l.InvokeHook(hooking.HookCtx{Domain: l, Pos: HookPosRemoved, Item: r})
	}

	return found
}

// Overlaps tells if any watched range shares a byte with [addr, addr+length).
func (l *List) Overlaps(addr, length uint32) bool {
	l.lock.RLock()
	defer l.lock.RUnlock()

	for _, r := range l.ranges {
		if r.Overlaps(addr, length) {
			return true
		}
	}

	return false
}

// Ranges returns a copy of the watched ranges, in insertion order.
func (l *List) Ranges() []Range {
	l.lock.RLock()
	defer l.lock.RUnlock()

	return append([]Range(nil), l.ranges...)
}
