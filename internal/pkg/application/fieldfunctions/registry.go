// Package fieldfunctions holds the named, typed functions that condition trees may call.
package fieldfunctions

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/cel-go/cel"

	"github.com/diwise/iot-rule-engine/pkg/types"
)

// Function is a registry entry. Render is the compilation rule producing the predicate
// text for a call, Declaration the matching runtime binding.
type Function interface {
	Name() string
	Arity() int
	ApplicableTypes() []types.FieldType
	ResultType() types.FieldType
	Render(operands []string) string
	Declaration() cel.EnvOption
}

// AppliesTo reports whether values of type ft may be passed to fn.
func AppliesTo(fn Function, ft types.FieldType) bool {
	for _, t := range fn.ApplicableTypes() {
		if t == ft {
			return true
		}
	}
	return false
}

func Describe(fn Function) types.FunctionInfo {
	return types.FunctionInfo{
		Name:            fn.Name(),
		Arity:           fn.Arity(),
		ApplicableTypes: fn.ApplicableTypes(),
		ResultType:      fn.ResultType(),
	}
}

// Registry maps case insensitive names to functions. Reads never block: registrations
// swap in a new copy of the table.
type Registry struct {
	mu        sync.Mutex
	functions atomic.Pointer[map[string]Function]
}

func NewRegistry(fns ...Function) *Registry {
	r := &Registry{}
	empty := map[string]Function{}
	r.functions.Store(&empty)

	for _, fn := range fns {
		r.Register(fn)
	}

	return r
}

// NewDefaultRegistry returns a registry holding the built in time extraction functions.
func NewDefaultRegistry() *Registry {
	return NewRegistry(Builtins()...)
}

// Register adds fn under its lowercased name. A previous function with the same
// name is replaced and true is returned.
func (r *Registry) Register(fn Function) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.functions.Load()
	next := make(map[string]Function, len(current)+1)
	for k, v := range current {
		next[k] = v
	}

	key := strings.ToLower(fn.Name())
	_, replaced := next[key]
	next[key] = fn

	r.functions.Store(&next)

	return replaced
}

func (r *Registry) Lookup(name string) (Function, bool) {
	fn, ok := (*r.functions.Load())[strings.ToLower(name)]
	return fn, ok
}

// ListAll returns the registered functions ordered by name.
func (r *Registry) ListAll() []Function {
	current := *r.functions.Load()

	fns := make([]Function, 0, len(current))
	for _, fn := range current {
		fns = append(fns, fn)
	}

	sort.Slice(fns, func(i, j int) bool {
		return strings.ToLower(fns[i].Name()) < strings.ToLower(fns[j].Name())
	})

	return fns
}

// EnvOptions returns the runtime declarations of all functions in name order.
func (r *Registry) EnvOptions() []cel.EnvOption {
	fns := r.ListAll()

	opts := make([]cel.EnvOption, 0, len(fns))
	for _, fn := range fns {
		opts = append(opts, fn.Declaration())
	}

	return opts
}
