// Package invariant loads the prover's invariant catalog from CUE.
//
// Invariants are authored declaratively, one struct per invariant under
// the top-level "invariant" field:
//
//	invariant: balance_non_negative: {
//		predicate:   "forall a in accounts: a.balance >= 0"
//		criticality: "critical"
//		scope:       "internal/ledger/"
//	}
//
// The catalog is compiled and validated once at startup; malformed
// entries fail the load rather than surfacing later as prover noise.
package invariant

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/roach88/mend/internal/heal"
)

// DefaultCriticality applies when an invariant omits the field.
const DefaultCriticality = heal.CriticalityMedium

// Catalog is the validated invariant set, ordered by name.
type Catalog struct {
	invariants []heal.Invariant
}

// LoadError describes one malformed catalog entry.
type LoadError struct {
	Invariant string
	Field     string
	Message   string
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invariant %s: %s: %s", e.Invariant, e.Field, e.Message)
	}
	return fmt.Sprintf("invariant %s: %s", e.Invariant, e.Message)
}

// LoadDir compiles every CUE file in dir into a catalog. An empty dir
// path yields an empty catalog, which makes PROVE pass trivially.
func LoadDir(dir string) (*Catalog, error) {
	if dir == "" {
		return &Catalog{}, nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("invariant catalog: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("invariant catalog: not a directory: %s", dir)
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("invariant catalog: no CUE instance in %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("invariant catalog: load %s: %w", dir, inst.Err)
	}

	value := cuecontext.New().BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("invariant catalog: build %s: %w", dir, err)
	}
	return fromValue(value)
}

// Compile parses a catalog from CUE source. Used by tests and the
// scenario harness.
func Compile(src string) (*Catalog, error) {
	value := cuecontext.New().CompileString(src)
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("invariant catalog: compile: %w", err)
	}
	return fromValue(value)
}

func fromValue(value cue.Value) (*Catalog, error) {
	root := value.LookupPath(cue.ParsePath("invariant"))
	if !root.Exists() {
		return &Catalog{}, nil
	}
	iter, err := root.Fields()
	if err != nil {
		return nil, fmt.Errorf("invariant catalog: iterate: %w", err)
	}

	var invariants []heal.Invariant
	seen := make(map[string]bool)
	for iter.Next() {
		name := iter.Label()
		if seen[name] {
			return nil, &LoadError{Invariant: name, Message: "duplicate name"}
		}
		seen[name] = true

		inv, err := compileInvariant(name, iter.Value())
		if err != nil {
			return nil, err
		}
		invariants = append(invariants, inv)
	}
	sort.Slice(invariants, func(i, j int) bool { return invariants[i].Name < invariants[j].Name })
	return &Catalog{invariants: invariants}, nil
}

func compileInvariant(name string, v cue.Value) (heal.Invariant, error) {
	var zero heal.Invariant

	predVal := v.LookupPath(cue.ParsePath("predicate"))
	if !predVal.Exists() {
		return zero, &LoadError{Invariant: name, Field: "predicate", Message: "required"}
	}
	predicate, err := predVal.String()
	if err != nil {
		return zero, &LoadError{Invariant: name, Field: "predicate", Message: err.Error()}
	}
	if strings.TrimSpace(predicate) == "" {
		return zero, &LoadError{Invariant: name, Field: "predicate", Message: "must not be empty"}
	}

	criticality := DefaultCriticality
	if critVal := v.LookupPath(cue.ParsePath("criticality")); critVal.Exists() {
		s, err := critVal.String()
		if err != nil {
			return zero, &LoadError{Invariant: name, Field: "criticality", Message: err.Error()}
		}
		criticality, err = heal.ParseCriticality(s)
		if err != nil {
			return zero, &LoadError{Invariant: name, Field: "criticality", Message: err.Error()}
		}
	}

	scope := ""
	if scopeVal := v.LookupPath(cue.ParsePath("scope")); scopeVal.Exists() {
		scope, err = scopeVal.String()
		if err != nil {
			return zero, &LoadError{Invariant: name, Field: "scope", Message: err.Error()}
		}
	}

	return heal.Invariant{
		Name:        name,
		Predicate:   predicate,
		Criticality: criticality,
		Scope:       scope,
	}, nil
}

// All returns every invariant, sorted by name.
func (c *Catalog) All() []heal.Invariant {
	return append([]heal.Invariant(nil), c.invariants...)
}

// Len returns the catalog size.
func (c *Catalog) Len() int { return len(c.invariants) }

// Applicable returns the invariants whose scope covers any of the changed
// files, sorted by name. An empty scope covers everything; a scope with
// glob metacharacters matches by path.Match, otherwise by path prefix.
func (c *Catalog) Applicable(filesChanged []string) []heal.Invariant {
	var out []heal.Invariant
	for _, inv := range c.invariants {
		if scopeCovers(inv.Scope, filesChanged) {
			out = append(out, inv)
		}
	}
	return out
}

func scopeCovers(scope string, files []string) bool {
	if scope == "" {
		return true
	}
	glob := strings.ContainsAny(scope, "*?[")
	for _, f := range files {
		if glob {
			if ok, err := path.Match(scope, f); err == nil && ok {
				return true
			}
			continue
		}
		if strings.HasPrefix(f, scope) {
			return true
		}
	}
	return false
}

// Required filters invariants at or above the criticality threshold.
// These are the ones whose theorems must be proven for merge to proceed.
func Required(invariants []heal.Invariant, threshold heal.Criticality) []heal.Invariant {
	var out []heal.Invariant
	for _, inv := range invariants {
		if inv.Criticality.AtLeast(threshold) {
			out = append(out, inv)
		}
	}
	return out
}
