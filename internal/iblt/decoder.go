package iblt

// Decoder reconciles an incoming stream of coded symbols against a local
// mapping, peeling out additions and removals as enough coded symbols
// arrive to isolate a single source symbol at some stream index.
type Decoder struct {
	coded      []CodedSymbol
	local      *CodingWindow
	window     *CodingWindow
	remote     *CodingWindow
	decodable  []int
	inQueue    map[int]bool
	decodedCnt int
}

// NewDecoder returns a decoder with an empty local window; call AddSymbol
// for every key in the receiver's local mapping before feeding coded
// symbols.
func NewDecoder() *Decoder {
	return &Decoder{
		local:   NewCodingWindow(),
		window:  NewCodingWindow(),
		remote:  NewCodingWindow(),
		inQueue: make(map[int]bool),
	}
}

// Decoded reports whether every received coded symbol has been peeled or
// confirmed empty.
func (d *Decoder) Decoded() bool {
	return d.decodedCnt == len(d.coded)
}

// AddSymbol registers one of the receiver's local symbols.
func (d *Decoder) AddSymbol(s Symbol) {
	d.window.AddSymbol(s)
}

// AddCodedSymbol folds a newly received coded symbol against the window,
// remote, and local coding windows and records it as the next stream
// index's state.
func (d *Decoder) AddCodedSymbol(c CodedSymbol) {
	c = d.window.ApplyWindow(c, -1)
	c = d.remote.ApplyWindow(c, -1)
	c = d.local.ApplyWindow(c, 1)
	d.coded = append(d.coded, c)
	idx := len(d.coded) - 1
	if c.isPeelableSingleton() || c.isEmpty() {
		d.pushDecodable(idx)
	}
}

func (d *Decoder) pushDecodable(idx int) {
	if d.inQueue[idx] {
		return
	}
	d.inQueue[idx] = true
	d.decodable = append(d.decodable, idx)
}

// TryDecode repeatedly peels decodable coded-symbol slots: a singleton with
// count +1 is a remote-only (added/updated) symbol, count -1 is a
// local-only (removed) symbol, count 0 fully reconciles the slot with
// nothing to extract. Peeling a symbol re-applies it to every previously
// received coded slot via its mapping schedule, potentially revealing more
// singletons. Terminates when the peel queue drains; any remaining
// unpeeled slots simply wait for more coded symbols.
func (d *Decoder) TryDecode() {
	for len(d.decodable) > 0 {
		cidx := d.decodable[0]
		d.decodable = d.decodable[1:]
		delete(d.inQueue, cidx)

		c := d.coded[cidx]
		switch c.Count {
		case 1:
			hs := NewHashedSymbol(c.Symbol)
			m := d.applyNewSymbol(hs, -1)
			d.remote.AddHashedSymbolWithMapping(hs, m)
			d.decodedCnt++
		case -1:
			hs := NewHashedSymbol(c.Symbol)
			m := d.applyNewSymbol(hs, 1)
			d.local.AddHashedSymbolWithMapping(hs, m)
			d.decodedCnt++
		case 0:
			d.decodedCnt++
		}
	}
}

// applyNewSymbol folds a newly peeled symbol into every coded slot its
// schedule has already reached, possibly revealing further singletons, and
// returns the mapping positioned at its next unreached index.
func (d *Decoder) applyNewSymbol(t HashedSymbol, direction int64) *RandomMapping {
	m := NewRandomMapping(t.Hash, 0)
	idx := m.NextIndex()
	for idx < int64(len(d.coded)) {
		cidx := int(idx)
		d.coded[cidx] = d.coded[cidx].Apply(t, direction)
		if d.coded[cidx].isPeelableSingleton() {
			d.pushDecodable(cidx)
		}
		idx = m.NextIndex()
	}
	return m
}

// Remote returns the symbols peeled as remote-only (additions/updates).
func (d *Decoder) Remote() []HashedSymbol { return d.remote.Symbols() }

// Local returns the symbols peeled as local-only (removals).
func (d *Decoder) Local() []HashedSymbol { return d.local.Symbols() }
