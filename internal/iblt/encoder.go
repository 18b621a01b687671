package iblt

// Encoder produces an unbounded lazy sequence of coded symbols for a fixed
// set of source symbols, advancing the shared coding window by one stream
// index per call.
type Encoder struct {
	window *CodingWindow
}

// NewEncoder returns an encoder with no symbols added yet.
func NewEncoder() *Encoder {
	return &Encoder{window: NewCodingWindow()}
}

// AddSymbol registers a source symbol to be mixed into future coded
// symbols per its own mapping schedule.
func (e *Encoder) AddSymbol(s Symbol) {
	e.window.AddSymbol(s)
}

// ProduceNextCodedSymbol returns the coded symbol at the next stream index.
func (e *Encoder) ProduceNextCodedSymbol() CodedSymbol {
	return e.window.ApplyWindow(NewCodedSymbol(), 1)
}
