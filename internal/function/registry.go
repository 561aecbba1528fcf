package function

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry manages loaded functions by name.
type Registry struct {
	sync.RWMutex
	functions map[string]*Function
	logger    *zap.Logger
}

// NewRegistry creates a new function registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		functions: make(map[string]*Function),
		logger:    logger.With(zap.String("component", "function-registry")),
	}
}

// Register adds a function to the registry.
func (r *Registry) Register(fn *Function) error {
	r.Lock()
	defer r.Unlock()

	name := fn.Manifest.Name
	if _, exists := r.functions[name]; exists {
		return &AlreadyRegisteredError{FunctionName: name}
	}
	r.functions[name] = fn

	r.logger.Info("Function registered",
		zap.String("name", name),
		zap.String("version", fn.Manifest.Version),
	)
	return nil
}

// Get retrieves a function by name.
func (r *Registry) Get(name string) (*Function, bool) {
	r.RLock()
	defer r.RUnlock()

	fn, ok := r.functions[name]
	return fn, ok
}

// List returns all registered functions sorted by name.
func (r *Registry) List() []*Function {
	r.RLock()
	defer r.RUnlock()

	result := make([]*Function, 0, len(r.functions))
	for _, fn := range r.functions {
		result = append(result, fn)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Manifest.Name < result[j].Manifest.Name
	})
	return result
}

// Unregister removes a function from the registry.
func (r *Registry) Unregister(name string) {
	r.Lock()
	defer r.Unlock()

	if _, ok := r.functions[name]; !ok {
		return
	}
	delete(r.functions, name)

	r.logger.Info("Function unregistered", zap.String("name", name))
}

// Count returns the number of registered functions.
func (r *Registry) Count() int {
	r.RLock()
	defer r.RUnlock()

	return len(r.functions)
}
