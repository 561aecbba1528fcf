package wasm

import (
	"slices"

	"github.com/tetratelabs/wazero/api"
)

// Names of the exports every marshalling guest provides.
const (
	ExportMemory  = "memory"
	ExportAlloc   = "alloc"
	ExportDealloc = "dealloc"
)

var (
	allocParams   = []api.ValueType{api.ValueTypeI32}
	allocResults  = []api.ValueType{api.ValueTypeI32}
	deallocParams = []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}
)

// Guest is the validated capability set of an instantiated module: its
// exported linear memory plus the alloc/dealloc pair. It is built once per
// instance and passed explicitly to every marshalling call.
type Guest struct {
	name    string
	memory  api.Memory
	alloc   api.Function
	dealloc api.Function
	tracker *AllocationTracker
}

// GuestOption customizes a Guest.
type GuestOption func(*Guest)

// WithAllocationTracker enables debug ownership checks for buffers moved
// through this guest.
func WithAllocationTracker(t *AllocationTracker) GuestOption {
	return func(g *Guest) { g.tracker = t }
}

// NewGuest validates that module exports memory, alloc(i32) -> i32 and
// dealloc(i32, i32). It fails with a MissingCapabilityError naming the
// first absent or mistyped export.
func NewGuest(module api.Module, opts ...GuestOption) (*Guest, error) {
	name := module.Name()

	mem := module.ExportedMemory(ExportMemory)
	if mem == nil {
		return nil, &MissingCapabilityError{ModuleName: name, Capability: ExportMemory, Reason: "memory is not exported"}
	}

	alloc, err := lookupFunction(module, ExportAlloc, allocParams, allocResults)
	if err != nil {
		return nil, err
	}
	dealloc, err := lookupFunction(module, ExportDealloc, deallocParams, nil)
	if err != nil {
		return nil, err
	}

	g := &Guest{
		name:    name,
		memory:  mem,
		alloc:   alloc,
		dealloc: dealloc,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func lookupFunction(module api.Module, export string, params, results []api.ValueType) (api.Function, error) {
	fn := module.ExportedFunction(export)
	if fn == nil {
		return nil, &MissingCapabilityError{ModuleName: module.Name(), Capability: export, Reason: "function is not exported"}
	}
	def := fn.Definition()
	if !slices.Equal(def.ParamTypes(), params) || !slices.Equal(def.ResultTypes(), results) {
		return nil, &MissingCapabilityError{
			ModuleName: module.Name(),
			Capability: export,
			Reason: "unexpected signature " + signature(def.ParamTypes(), def.ResultTypes()) +
				", want " + signature(params, results),
		}
	}
	return fn, nil
}

func signature(params, results []api.ValueType) string {
	s := "("
	for i, p := range params {
		if i > 0 {
			s += ", "
		}
		s += api.ValueTypeName(p)
	}
	s += ")"
	if len(results) > 0 {
		s += " -> "
		for i, r := range results {
			if i > 0 {
				s += ", "
			}
			s += api.ValueTypeName(r)
		}
	}
	return s
}

// Name returns the instance name of the guest module.
func (g *Guest) Name() string {
	return g.name
}

// Memory returns the guest's exported linear memory.
func (g *Guest) Memory() api.Memory {
	return g.memory
}

// Tracker returns the allocation tracker, or nil when tracking is off.
func (g *Guest) Tracker() *AllocationTracker {
	return g.tracker
}
