package iblt

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
)

// Context is the authoritative key→bytes snapshot reconciled by the codec.
type Context map[string][]byte

// Delta is the result of reconciling a remote context against a local one:
// keys present remotely but not locally (Added), keys present locally but
// not remotely (Removed), and keys present on both sides with differing
// values (Updated).
type Delta struct {
	Added   map[string][]byte
	Removed map[string]struct{}
	Updated map[string][]byte
}

// wireCodedSymbol is the JSON wire shape of one coded symbol. Payload bytes
// are not guaranteed valid UTF-8, so they travel base64-encoded rather than
// as a raw JSON string.
type wireCodedSymbol struct {
	Symbol string `json:"symbol"`
	Hash   uint64 `json:"hash"`
	Count  int64  `json:"count"`
}

// keyValueSymbol builds the canonical symbol for one (key, value) pair: a
// single-key JSON object in encoding/json's compact form (no spaces after
// ':' or ','), so it is not byte-identical to Python's default
// `json.dumps({key: value}, sort_keys=True)` output. A one-entry map needs
// no key sorting.
func keyValueSymbol(key string, value []byte) (Symbol, error) {
	b, err := json.Marshal(map[string]string{key: string(value)})
	if err != nil {
		return Symbol{}, fmt.Errorf("iblt: encode symbol for key %q: %w", key, err)
	}
	return NewSymbol(b), nil
}

// parseKeyValueSymbol inverts keyValueSymbol, recovering the single (key,
// value) pair it encodes.
func parseKeyValueSymbol(s Symbol) (string, []byte, error) {
	var m map[string]string
	if err := json.Unmarshal(s.Data, &m); err != nil {
		return "", nil, fmt.Errorf("iblt: decode symbol: %w", err)
	}
	for k, v := range m {
		return k, []byte(v), nil
	}
	return "", nil, fmt.Errorf("iblt: symbol decoded to empty object")
}

// EncodeContext encodes ctx into a serialized stream of coded symbols,
// sized to ceil(multiplier * len(ctx)). multiplier <= 0 defaults to 1.5 per
// the spec's initial-batch rule.
func EncodeContext(ctx Context, multiplier float64) ([]byte, error) {
	if multiplier <= 0 {
		multiplier = 1.5
	}
	encoder := NewEncoder()
	for key, value := range ctx {
		sym, err := keyValueSymbol(key, value)
		if err != nil {
			return nil, err
		}
		encoder.AddSymbol(sym)
	}

	numSymbols := int(math.Ceil(float64(len(ctx)) * multiplier))
	coded := make([]wireCodedSymbol, 0, numSymbols)
	for i := 0; i < numSymbols; i++ {
		cs := encoder.ProduceNextCodedSymbol()
		coded = append(coded, wireCodedSymbol{
			Symbol: base64.StdEncoding.EncodeToString(cs.Symbol.Data),
			Hash:   cs.Hash,
			Count:  cs.Count,
		})
	}
	return json.Marshal(coded)
}

// DecodeDelta reconciles a serialized coded-symbol stream against local,
// returning the added/removed/updated keys the stream encodes.
func DecodeDelta(serialized []byte, local Context) (Delta, error) {
	decoder := NewDecoder()
	for key, value := range local {
		sym, err := keyValueSymbol(key, value)
		if err != nil {
			return Delta{}, err
		}
		decoder.AddSymbol(sym)
	}

	var wire []wireCodedSymbol
	if err := json.Unmarshal(serialized, &wire); err != nil {
		return Delta{}, fmt.Errorf("iblt: unmarshal coded symbols: %w", err)
	}
	for _, w := range wire {
		payload, err := base64.StdEncoding.DecodeString(w.Symbol)
		if err != nil {
			return Delta{}, fmt.Errorf("iblt: decode coded symbol payload: %w", err)
		}
		decoder.AddCodedSymbol(CodedSymbol{Symbol: Symbol{Data: payload}, Hash: w.Hash, Count: w.Count})
	}
	decoder.TryDecode()

	delta := Delta{
		Added:   make(map[string][]byte),
		Removed: make(map[string]struct{}),
		Updated: make(map[string][]byte),
	}
	for _, hs := range decoder.Remote() {
		key, value, err := parseKeyValueSymbol(hs.Symbol)
		if err != nil {
			return Delta{}, err
		}
		if _, ok := local[key]; ok {
			delta.Updated[key] = value
		} else {
			delta.Added[key] = value
		}
	}
	for _, hs := range decoder.Local() {
		key, _, err := parseKeyValueSymbol(hs.Symbol)
		if err != nil {
			return Delta{}, err
		}
		if _, updated := delta.Updated[key]; updated {
			// The local side's old value of an updated key, not a removal.
			continue
		}
		delta.Removed[key] = struct{}{}
	}
	return delta, nil
}
