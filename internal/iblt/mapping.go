package iblt

const (
	lcgMultiplier = 1103515245
	lcgIncrement  = 12345
)

// RandomMapping deterministically assigns a source symbol to an infinite,
// strictly increasing sequence of coded-symbol stream indices. Both sides
// of a reconciliation recompute the same schedule from the symbol's hash
// alone, so nothing about the schedule needs to travel on the wire.
type RandomMapping struct {
	state   uint64
	LastIdx int64
}

// NewRandomMapping seeds a mapping from a symbol hash, starting the index
// walk at lastIdx (0 for a fresh schedule).
func NewRandomMapping(seed uint64, lastIdx int64) *RandomMapping {
	return &RandomMapping{state: seed, LastIdx: lastIdx}
}

// NextIndex advances the PRNG one step and returns the next coded-symbol
// index this symbol maps to. Step size is in [1, 10], so the sequence is
// strictly increasing.
func (m *RandomMapping) NextIndex() int64 {
	m.state = m.state*lcgMultiplier + lcgIncrement
	m.LastIdx += 1 + int64(m.state%10)
	return m.LastIdx
}
