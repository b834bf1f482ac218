package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Function is a helper callable from rule expressions.
type Function func(args ...any) (any, error)

type registered struct {
	name string
	fn   Function
}

// FunctionRegistry stores helper functions. Lookups ignore case; Names
// reports the names as registered.
type FunctionRegistry struct {
	mu        sync.RWMutex
	functions map[string]registered
}

func NewFunctionRegistry() *FunctionRegistry {
	return &FunctionRegistry{
		functions: make(map[string]registered),
	}
}

// Register stores fn under name guarding against duplicates.
func (r *FunctionRegistry) Register(name string, fn Function) error {
	if fn == nil {
		return fmt.Errorf("policy: function %q is nil", name)
	}
	if name == "" {
		return fmt.Errorf("policy: function name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.functions == nil {
		r.functions = make(map[string]registered)
	}
	key := strings.ToLower(name)
	if _, exists := r.functions[key]; exists {
		return fmt.Errorf("policy: function %q already registered", name)
	}
	r.functions[key] = registered{name: name, fn: fn}
	return nil
}

// Clone returns a shallow copy of the registry.
func (r *FunctionRegistry) Clone() *FunctionRegistry {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	clone := &FunctionRegistry{
		functions: make(map[string]registered, len(r.functions)),
	}
	for key, entry := range r.functions {
		clone.functions[key] = entry
	}
	return clone
}

// Call executes the function registered for name.
func (r *FunctionRegistry) Call(name string, args ...any) (any, error) {
	if r == nil {
		return nil, fmt.Errorf("policy: function registry is nil")
	}
	r.mu.RLock()
	entry, ok := r.functions[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok || entry.fn == nil {
		return nil, fmt.Errorf("policy: function %q not registered", name)
	}
	return entry.fn(args...)
}

// Names returns registered function names sorted alphabetically.
func (r *FunctionRegistry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.functions))
	for _, entry := range r.functions {
		names = append(names, entry.name)
	}
	sort.Strings(names)
	return names
}

// DefaultFunctions returns a registry with the string helpers most origin
// rules need: hasSuffix, hasPrefix and lower.
func DefaultFunctions() *FunctionRegistry {
	r := NewFunctionRegistry()
	_ = r.Register("hasSuffix", stringPair(strings.HasSuffix))
	_ = r.Register("hasPrefix", stringPair(strings.HasPrefix))
	_ = r.Register("lower", func(args ...any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("policy: lower expects 1 argument, got %d", len(args))
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("policy: lower expects a string, got %T", args[0])
		}
		return strings.ToLower(s), nil
	})
	return r
}

func stringPair(fn func(string, string) bool) Function {
	return func(args ...any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("policy: expected 2 arguments, got %d", len(args))
		}
		a, okA := args[0].(string)
		b, okB := args[1].(string)
		if !okA || !okB {
			return nil, fmt.Errorf("policy: expected string arguments, got %T and %T", args[0], args[1])
		}
		return fn(a, b), nil
	}
}
