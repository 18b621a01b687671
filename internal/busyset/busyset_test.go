package busyset

import (
	"fmt"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestInsertRemoveIdempotent(t *testing.T) {
	s := New()
	s.Insert("w1")
	s.Insert("w1")
	assert.True(t, s.Contains("w1"))
	assert.Equal(t, 1, s.Len())

	s.Remove("w1")
	s.Remove("w1")
	assert.False(t, s.Contains("w1"))
	assert.Equal(t, 0, s.Len())
}

func TestConcurrentInsertRemove(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("w%d", i%5)
			s.Insert(id)
			s.Contains(id)
			s.Remove(id)
		}(i)
	}
	wg.Wait()
}

// TestBusyAtMostOnceProperty verifies Property: a worker can be referenced
// in the busy set at most once, so after any sequence of inserts and
// removes contains(id) reflects only the most recent operation on id.
func TestBusyAtMostOnceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("sequence of inserts/removes never loses a false-negative-free busy state", prop.ForAll(
		func(ops []opCase) bool {
			s := New()
			want := make(map[string]bool)
			for _, op := range ops {
				if op.insert {
					s.Insert(op.id)
					want[op.id] = true
				} else {
					s.Remove(op.id)
					want[op.id] = false
				}
				if s.Contains(op.id) != want[op.id] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genOpCase()),
	))

	properties.TestingRun(t)
}

type opCase struct {
	id     string
	insert bool
}

func genOpCase() gopter.Gen {
	return gopter.CombineGens(
		gen.OneConstOf("w1", "w2", "w3"),
		gen.Bool(),
	).Map(func(vals []interface{}) opCase {
		return opCase{id: vals[0].(string), insert: vals[1].(bool)}
	})
}
