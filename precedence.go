package xcookie

import (
	"errors"
	"fmt"
	"sort"

	"github.com/goliatone/go-xcookie/pkg/store"
)

// Scope models a named precedence bucket. Higher priority values represent
// stronger layers.
type Scope struct {
	Name     string `json:"name"`
	Label    string `json:"label,omitempty"`
	Priority int    `json:"priority"`
}

// Built-in scopes consulted by a resolution, strongest first.
var (
	ScopeLocal   = Scope{Name: "local", Label: "Origin cookie jar", Priority: 200}
	ScopeShared  = Scope{Name: "shared", Label: "Shared store", Priority: 100}
	ScopeDefault = Scope{Name: "default", Label: "Caller default", Priority: 0}
)

// Layer pairs a scope with the value read from it.
type Layer struct {
	Scope Scope
	Value store.Value
}

var (
	// ErrScopeNameRequired indicates a missing scope name.
	ErrScopeNameRequired = errors.New("scope: name must be provided")
	// ErrDuplicateScopeName indicates Stack construction received multiple
	// layers with the same scope name.
	ErrDuplicateScopeName = errors.New("scope: names must be unique")
	// ErrPriorityOrder indicates two layers share a priority.
	ErrPriorityOrder = errors.New("scope: priorities must be strictly ordered")
)

// Stack is an immutable set of layers ordered from strongest to weakest.
type Stack struct {
	layers []Layer
}

// NewStack validates and sorts layers so the strongest scope comes first.
func NewStack(layers ...Layer) (*Stack, error) {
	seen := make(map[string]struct{}, len(layers))
	copied := make([]Layer, len(layers))
	for i, layer := range layers {
		if layer.Scope.Name == "" {
			return nil, fmt.Errorf("%w (layer %d)", ErrScopeNameRequired, i)
		}
		if _, dup := seen[layer.Scope.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateScopeName, layer.Scope.Name)
		}
		seen[layer.Scope.Name] = struct{}{}
		copied[i] = layer
	}

	sort.SliceStable(copied, func(i, j int) bool {
		return copied[i].Scope.Priority > copied[j].Scope.Priority
	})
	for i := 1; i < len(copied); i++ {
		if copied[i-1].Scope.Priority == copied[i].Scope.Priority {
			return nil, fmt.Errorf("%w: %q and %q share priority %d",
				ErrPriorityOrder, copied[i-1].Scope.Name, copied[i].Scope.Name, copied[i].Scope.Priority)
		}
	}
	return &Stack{layers: copied}, nil
}

// Layers returns a copy of the ordered layers.
func (s *Stack) Layers() []Layer {
	if s == nil {
		return nil
	}
	out := make([]Layer, len(s.layers))
	copy(out, s.layers)
	return out
}

// Resolve returns the value of the strongest layer holding a present value,
// the scope it came from, and a trace of every consulted layer. A present
// empty string wins over weaker layers.
func (s *Stack) Resolve(name string) (store.Value, Scope, Trace) {
	trace := Trace{Name: name}
	var (
		winner store.Value
		from   Scope
		found  bool
	)
	if s == nil {
		return winner, from, trace
	}
	for _, layer := range s.layers {
		trace.Layers = append(trace.Layers, Provenance{
			Scope: layer.Scope,
			Found: layer.Value.Present,
			Value: layer.Value.Ptr(),
		})
		if !found && layer.Value.Present {
			winner, from, found = layer.Value, layer.Scope, true
		}
	}
	if found {
		trace.Winner = from.Name
	}
	return winner, from, trace
}
