package hooking

import (
	"sort"
	"sync"
)

// PosCounter counts how many times each hook position fires.
type PosCounter struct {
	lock     sync.Mutex
	posNames []string
	count    map[string]uint64
}

// NewPosCounter creates a new PosCounter.
func NewPosCounter() *PosCounter {
	return &PosCounter{
		count: make(map[string]uint64),
	}
}

// Func counts the position of ctx.
func (c *PosCounter) Func(ctx HookCtx) {
	if ctx.Pos == nil {
		return
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	if _, ok := c.count[ctx.Pos.Name]; !ok {
		c.posNames = append(c.posNames, ctx.Pos.Name)
	}

	c.count[ctx.Pos.Name]++
}

// GetPosNames returns all the position names seen, sorted.
func (c *PosCounter) GetPosNames() []string {
	c.lock.Lock()
	defer c.lock.Unlock()

	names := append([]string(nil), c.posNames...)
	sort.Strings(names)

	return names
}

// GetCount returns the number of times the named position fired.
func (c *PosCounter) GetCount(posName string) uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.count[posName]
}

// Snapshot returns a copy of all counts.
func (c *PosCounter) Snapshot() map[string]uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()

	out := make(map[string]uint64, len(c.count))
	for k, v := range c.count {
		out[k] = v
	}

	return out
}
