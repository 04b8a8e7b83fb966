package system

import "sync"

// CPUGuard serialises the thread running the guest with outside callers such
// as the monitor. The guest thread holds the guard while it runs a slice of
// instructions; callers pause it to get a consistent view of the translation
// state.
type CPUGuard struct {
	lock sync.Mutex
}

// Pause waits for the guest to reach an instruction boundary and keeps it
// stopped until the returned function is called.
func (g *CPUGuard) Pause() (release func()) {
	g.lock.Lock()
	return g.lock.Unlock
}

// Run runs f with the guard held.
func (g *CPUGuard) Run(f func()) {
	g.lock.Lock()
	defer g.lock.Unlock()

	f()
}
