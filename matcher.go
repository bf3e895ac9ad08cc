package injector

import (
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// Matcher computes, for a factory and the current Item Table, the
// Cartesian product of candidate argument tuples and diffs it against
// the Active Set. It is a pure function of its inputs — Diff never
// mutates the Active Set itself; the Engine does that once a spawn
// succeeds, keeping the match/spawn/register sequence under the event
// loop's serialized control.
//
// Candidate-tuple enumeration is memoized per factory, keyed by the exact
// Items (by ref) currently held under each required key: a cached list
// is reused only when a factory is matched again against the very same
// Items.
type Matcher struct {
	mu         sync.Mutex
	cachesByID map[string]*lru.Cache
	cacheSize  int
}

const defaultMatcherCacheSize = 256

func newMatcher() *Matcher {
	return &Matcher{cachesByID: make(map[string]*lru.Cache), cacheSize: defaultMatcherCacheSize}
}

func (m *Matcher) cacheFor(factoryID string) *lru.Cache {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cachesByID[factoryID]
	if !ok {
		c, _ = lru.New(m.cacheSize)
		m.cachesByID[factoryID] = c
	}
	return c
}

// forgetFactory drops a factory's memoization cache, e.g. on remove so a
// later add_factory with the same id starts clean.
func (m *Matcher) forgetFactory(factoryID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cachesByID, factoryID)
}

// candidateTuples enumerates every argument tuple satisfying factory
// against table, in lexicographic order of position-wise indices. An
// empty factory.Requires yields exactly one, empty, tuple, so
// requirement-free factories instantiate exactly once.
func (m *Matcher) candidateTuples(factory *Factory, table *ItemTable) []ArgumentTuple {
	cache := m.cacheFor(factory.ID)

	values := make([][]*Item, len(factory.Requires))
	var keyBuilder strings.Builder
	for i, k := range factory.Requires {
		values[i] = table.Values(k)
		if len(values[i]) == 0 {
			return nil
		}
		for _, item := range values[i] {
			keyBuilder.WriteString(tupleKey(ArgumentTuple{item}))
			keyBuilder.WriteByte(',')
		}
		keyBuilder.WriteByte(';')
	}
	cacheKey := keyBuilder.String()

	if cached, ok := cache.Get(cacheKey); ok {
		return cached.([]ArgumentTuple)
	}

	tuples := cartesianProduct(values)
	cache.Add(cacheKey, tuples)
	return tuples
}

// cartesianProduct enumerates every tuple in V1 x ... x Vn, odometer
// style (last position increments fastest). A zero-length values slice
// produces one empty tuple.
func cartesianProduct(values [][]*Item) []ArgumentTuple {
	indices := make([]int, len(values))
	var out []ArgumentTuple

	for {
		tuple := make(ArgumentTuple, len(values))
		for i, idx := range indices {
			tuple[i] = values[i][idx]
		}
		out = append(out, tuple)

		pos := len(indices) - 1
		for pos >= 0 {
			indices[pos]++
			if indices[pos] < len(values[pos]) {
				break
			}
			indices[pos] = 0
			pos--
		}
		if pos < 0 {
			break
		}
	}
	return out
}

// Diff returns the candidate tuples for factory that do not already have
// an active entry, in generation order — the set the Engine must spawn
// to bring the Active Set up to date.
func (m *Matcher) Diff(factory *Factory, table *ItemTable, active *ActiveSet) []ArgumentTuple {
	candidates := m.candidateTuples(factory, table)
	if len(candidates) == 0 {
		return nil
	}

	var fresh []ArgumentTuple
	for _, tuple := range candidates {
		if active.Contains(factory.ID, factory.gen, tuple) {
			continue
		}
		fresh = append(fresh, tuple)
	}
	return fresh
}
