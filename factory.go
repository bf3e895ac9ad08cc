package injector

import (
	"context"
	"fmt"
	"strings"

	"github.com/meshkit/injector/worker"
)

// Dependency is one resolved (key, item) pair in a factory's declared
// requirement order; a duplicated key yields one entry per occurrence.
type Dependency struct {
	Key  string
	Item *Item
}

// StartFunc is a factory's start recipe: invoked with the
// Worker Host to spawn on, the factory's extra args, and the dependency
// list selected for one satisfying argument tuple. It must return a live
// worker handle or an error; the Injector interprets a returned error as
// a matching-time spawn failure (the candidate tuple is not retried, nor
// entered into the Active Set — a subsequent push recomputes matching).
type StartFunc func(ctx context.Context, host *worker.Host, extraArgs any, deps []Dependency) (worker.Handle, error)

// Factory is a recipe for starting workers.
type Factory struct {
	// ID uniquely identifies the factory; supplied at registration.
	ID string
	// Requires is the ordered list of item keys this factory needs.
	// Duplicates are permitted.
	Requires []string
	// Provides is the (documentary, optional) list of item keys the
	// resulting worker is expected to push.
	Provides []string
	// Start is the spawn recipe.
	Start StartFunc
	// ExtraArgs is passed through verbatim to Start.
	ExtraArgs any

	// gen distinguishes registration instances sharing an id, assigned
	// at AddFactory time. Active entries are keyed on it, so a factory
	// removed and re-added under the same id matches fresh: entries left
	// behind by the prior registration are orphans, not its own.
	gen uint64
}

func (f *Factory) validate() error {
	if f.ID == "" {
		return fmt.Errorf("factory id must not be empty")
	}
	if f.Start == nil {
		return fmt.Errorf("factory %q has no start recipe", f.ID)
	}
	return nil
}

// dependsOn reports whether key appears anywhere in f.Requires.
func (f *Factory) dependsOn(key string) bool {
	for _, k := range f.Requires {
		if k == key {
			return true
		}
	}
	return false
}

// ArgumentTuple is a concrete selection of Items satisfying a factory's
// Requires, positionally aligned with it. Two tuples are equal iff their
// Items are pointwise reference-equal — see tupleKey.
type ArgumentTuple []*Item

// dependencies pairs the tuple with the factory's declared keys,
// producing the ordered dependency list Start receives.
func (t ArgumentTuple) dependencies(requires []string) []Dependency {
	deps := make([]Dependency, len(t))
	for i, item := range t {
		key := ""
		if i < len(requires) {
			key = requires[i]
		}
		deps[i] = Dependency{Key: key, Item: item}
	}
	return deps
}

// tupleKey renders a stable string key for map/index use, built from
// each Item's pointer identity: two tuples collide iff their Items are
// pointwise reference-equal.
func tupleKey(t ArgumentTuple) string {
	if len(t) == 0 {
		return "()"
	}
	parts := make([]string, len(t))
	for i, item := range t {
		parts[i] = fmt.Sprintf("%p", item)
	}
	return strings.Join(parts, "|")
}

// activeKey is the Active Set's composite map key: registration
// instance (id plus generation) and tuple.
func activeKey(factoryID string, gen uint64, t ArgumentTuple) string {
	return fmt.Sprintf("%s#%d::%s", factoryID, gen, tupleKey(t))
}
