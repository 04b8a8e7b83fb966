package tlb

// A Builder can build translation caches.
type Builder struct {
	numSets int
	numWays int
}

// MakeBuilder returns a Builder with 128 sets of 2 ways per side.
func MakeBuilder() Builder {
	return Builder{
		numSets: 128,
		numWays: 2,
	}
}

// WithNumSets sets the number of sets per side. Use 1 for fully associative
// caches.
func (b Builder) WithNumSets(n int) Builder {
	b.numSets = n
	return b
}

// WithNumWays sets the number of ways in each set.
func (b Builder) WithNumWays(n int) Builder {
	b.numWays = n
	return b
}

// Build creates a new cache with every entry invalid.
func (b Builder) Build() *Cache {
	if b.numSets <= 0 || b.numWays <= 0 {
		panic("tlb needs at least one set and one way")
	}

	c := &Cache{
		numSets: b.numSets,
		numWays: b.numWays,
	}
	c.reset()

	return c
}
