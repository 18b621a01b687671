package iblt

import "container/heap"

// pendingEntry is one (next stream index, source symbol index) pair on the
// coding window's min-heap, ordered by index.
type pendingEntry struct {
	index      int64
	sourceIdx  int
}

type pendingHeap []pendingEntry

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	if h[i].index != h[j].index {
		return h[i].index < h[j].index
	}
	return h[i].sourceIdx < h[j].sourceIdx
}
func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x any)   { *h = append(*h, x.(pendingEntry)) }
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// CodingWindow tracks a set of source symbols, each carrying its own
// RandomMapping schedule, and folds them into coded symbols as the stream
// index advances past their next scheduled slot.
type CodingWindow struct {
	symbols  []HashedSymbol
	mappings []*RandomMapping
	queue    pendingHeap
	nextIdx  int64
}

// NewCodingWindow returns an empty coding window at stream index 0.
func NewCodingWindow() *CodingWindow {
	return &CodingWindow{}
}

// AddSymbol wraps and adds a raw symbol with a fresh mapping schedule.
func (w *CodingWindow) AddSymbol(s Symbol) {
	w.AddHashedSymbol(NewHashedSymbol(s))
}

// AddHashedSymbol adds a hashed symbol with a fresh mapping schedule seeded
// from its hash. The schedule is advanced once before the symbol is queued,
// so idx_0 = 1 + (s mod 10) where s is the seed after one LCG step, not the
// seed itself.
func (w *CodingWindow) AddHashedSymbol(hs HashedSymbol) {
	m := NewRandomMapping(hs.Hash, 0)
	m.NextIndex()
	w.AddHashedSymbolWithMapping(hs, m)
}

// AddHashedSymbolWithMapping adds a hashed symbol whose schedule is already
// positioned at its next scheduled index (m.LastIdx), as happens when a
// symbol is peeled out of the decode stream partway through reconciliation.
// The symbol is queued at m.LastIdx as-is, without advancing the schedule.
func (w *CodingWindow) AddHashedSymbolWithMapping(hs HashedSymbol, m *RandomMapping) {
	w.symbols = append(w.symbols, hs)
	w.mappings = append(w.mappings, m)
	heap.Push(&w.queue, pendingEntry{index: m.LastIdx, sourceIdx: len(w.symbols) - 1})
}

// ApplyWindow folds every symbol scheduled at the window's current stream
// index into cw with the given direction, advances the window's index, and
// returns the updated coded symbol.
func (w *CodingWindow) ApplyWindow(cw CodedSymbol, direction int64) CodedSymbol {
	for len(w.queue) > 0 && w.queue[0].index == w.nextIdx {
		entry := heap.Pop(&w.queue).(pendingEntry)
		cw = cw.Apply(w.symbols[entry.sourceIdx], direction)
		next := w.mappings[entry.sourceIdx].NextIndex()
		heap.Push(&w.queue, pendingEntry{index: next, sourceIdx: entry.sourceIdx})
	}
	w.nextIdx++
	return cw
}

// Symbols returns the hashed symbols currently held in the window.
func (w *CodingWindow) Symbols() []HashedSymbol {
	return w.symbols
}
