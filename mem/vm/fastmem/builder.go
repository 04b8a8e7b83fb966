package fastmem

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/sarchlab/ppcmmu/mem/vm"
	"go.uber.org/zap"
)

// A Builder can build fastmem managers.
type Builder struct {
	arena      Arena
	translator Translator
	ram        RAM
	watches    vm.RangeChecker
	logger     *zap.Logger
}

// MakeBuilder returns a Builder.
func MakeBuilder() Builder {
	return Builder{logger: zap.NewNop()}
}

// WithArena sets the arena to map into.
func (b Builder) WithArena(a Arena) Builder {
	b.arena = a
	return b
}

// WithTranslator sets the translator that resolves faulting addresses.
func (b Builder) WithTranslator(t Translator) Builder {
	b.translator = t
	return b
}

// WithMemory sets the guest RAM the arena can map.
func (b Builder) WithMemory(ram RAM) Builder {
	b.ram = ram
	return b
}

// WithWatches sets the watchpoints. Watched pages are never mapped.
func (b Builder) WithWatches(w vm.RangeChecker) Builder {
	b.watches = w
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l *zap.Logger) Builder {
	b.logger = l
	return b
}

// Build creates a manager and registers it as the fault handler of the
// arena.
func (b Builder) Build(name string) *Manager {
	if b.arena == nil || b.translator == nil || b.ram == nil {
		panic("fastmem manager needs an arena, a translator and memory")
	}

	m := &Manager{
		name:       name,
		logger:     b.logger.Named(name),
		arena:      b.arena,
		translator: b.translator,
		ram:        b.ram,
		watches:    b.watches,
		records:    make(map[uint32]record),
		mapped:     bitset.New(0),
		slow:       bitset.New(0),
		pending:    bitset.New(0),
	}

	b.arena.RegisterFaultHandler(m.OnHostFault)

	return m
}
