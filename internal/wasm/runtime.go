package wasm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// HostModuleName is the import module guests use for host functions.
const HostModuleName = "blockless"

// Runtime manages the wazero runtime lifecycle.
// One Runtime serves the whole process: WASI and the blockless host module
// are instantiated into it once and shared by every guest instance.
type Runtime struct {
	// wazero runtime (singleton)
	runtime wazero.Runtime

	// Persistent compilation cache, nil when CacheDir is empty.
	cache wazero.CompilationCache

	// Compiled module cache (key: module name/path -> value: compiled module)
	// This avoids recompiling the same Wasm binary multiple times
	modules sync.Map // map[string]*CompiledModule

	// Active module instances (for cleanup on shutdown)
	instances sync.Map // map[string]*Instance

	// Bounds the number of live instances to MaxInstances.
	slots *semaphore.Weighted

	hostMu    sync.Mutex
	hostFuncs *HostFunctions

	// Configuration
	config *RuntimeConfig

	// Logger
	logger *zap.Logger

	// Shutdown management
	closeOnce sync.Once
	closed    chan struct{}
}

// RuntimeConfig holds runtime configuration.
type RuntimeConfig struct {
	// Memory limits for Wasm modules (in pages, 64KB each)
	// Default: 256 pages = 16MB max memory per module
	MemoryPages uint32

	// Enable debug logging for Wasm execution
	DebugEnabled bool

	// Compilation cache directory (for persistent caching)
	// If empty, uses in-memory caching only
	CacheDir string

	// Maximum number of concurrent instances
	MaxInstances int

	// Wall-clock limit for one guest invocation. Zero disables it.
	ExecutionTimeout time.Duration

	// Largest payload a guest may hand to a host call.
	MaxRequestSize uint32

	// Cap on captured stdout and stderr, each.
	OutputLimit int

	// Track host allocations in guest memory (debug aid).
	TrackAllocations bool

	// In-flight extension calls per instance.
	MaxPendingCalls int
}

// CompiledModule wraps a wazero.CompiledModule with metadata.
type CompiledModule struct {
	// wazero compiled module
	Module wazero.CompiledModule

	// Module metadata
	Name      string
	Source    string // File path, URL or identifier
	SizeBytes int64

	// Compilation timestamp
	CompiledAt int64
}

// ImportsHostModule reports whether the module imports any blockless
// host function.
func (c *CompiledModule) ImportsHostModule() bool {
	for _, def := range c.Module.ImportedFunctions() {
		if module, _, ok := def.Import(); ok && module == HostModuleName {
			return true
		}
	}
	return false
}

// NewRuntime creates and initializes a new wazero runtime with WASI
// preview1 available to guests.
// This should be called once during application startup.
func NewRuntime(ctx context.Context, logger *zap.Logger, config *RuntimeConfig) (*Runtime, error) {
	// Validate config
	if config == nil {
		config = DefaultRuntimeConfig()
	}
	if config.MaxInstances <= 0 {
		config.MaxInstances = DefaultRuntimeConfig().MaxInstances
	}
	if config.MaxRequestSize == 0 {
		config.MaxRequestSize = DefaultMaxRequestSize
	}
	if config.OutputLimit <= 0 {
		config.OutputLimit = DefaultOutputLimit
	}
	if config.MaxPendingCalls <= 0 {
		config.MaxPendingCalls = DefaultRuntimeConfig().MaxPendingCalls
	}

	rc := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true)
	if config.MemoryPages > 0 {
		rc = rc.WithMemoryLimitPages(config.MemoryPages)
	}
	if config.DebugEnabled {
		rc = rc.WithDebugInfoEnabled(true)
	}

	var cache wazero.CompilationCache
	if config.CacheDir != "" {
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(config.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open compilation cache %s: %w", config.CacheDir, err)
		}
		rc = rc.WithCompilationCache(cache)
	}

	// Create wazero runtime with context
	r := wazero.NewRuntimeWithConfig(ctx, rc)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		if cache != nil {
			_ = cache.Close(ctx)
		}
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	runtime := &Runtime{
		runtime: r,
		cache:   cache,
		slots:   semaphore.NewWeighted(int64(config.MaxInstances)),
		config:  config,
		logger:  logger.With(zap.String("component", "wasm-runtime")),
		closed:  make(chan struct{}),
	}

	logger.Info("Wasm runtime initialized",
		zap.Uint32("memory_pages", config.MemoryPages),
		zap.Bool("debug_enabled", config.DebugEnabled),
		zap.String("cache_dir", config.CacheDir),
		zap.Int("max_instances", config.MaxInstances),
		zap.Duration("execution_timeout", config.ExecutionTimeout),
		zap.Bool("track_allocations", config.TrackAllocations),
	)

	return runtime, nil
}

// DefaultRuntimeConfig returns sensible defaults.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		MemoryPages:      256, // 16MB
		DebugEnabled:     false,
		CacheDir:         "",
		MaxInstances:     100,
		ExecutionTimeout: 30 * time.Second,
		MaxRequestSize:   DefaultMaxRequestSize,
		OutputLimit:      DefaultOutputLimit,
		MaxPendingCalls:  64,
	}
}

// Config returns the runtime configuration.
func (r *Runtime) Config() RuntimeConfig {
	return *r.config
}

// registerHostModule instantiates the blockless host module once.
func (r *Runtime) registerHostModule(ctx context.Context, host *HostFunctions) error {
	r.hostMu.Lock()
	defer r.hostMu.Unlock()

	if r.hostFuncs != nil {
		if r.hostFuncs == host {
			return nil
		}
		return fmt.Errorf("host module %q is already registered", HostModuleName)
	}

	builder := r.runtime.NewHostModuleBuilder(HostModuleName)
	host.export(builder)
	if _, err := builder.Instantiate(ctx); err != nil {
		return fmt.Errorf("failed to instantiate host module: %w", err)
	}
	r.hostFuncs = host
	return nil
}

// acquireSlot reserves room for one more instance.
func (r *Runtime) acquireSlot() error {
	if !r.slots.TryAcquire(1) {
		return &InstanceLimitError{Limit: r.config.MaxInstances}
	}
	return nil
}

func (r *Runtime) releaseSlot() {
	r.slots.Release(1)
}

// Close gracefully shuts down the runtime.
// Safe to call multiple times (idempotent).
func (r *Runtime) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		r.logger.Info("Shutting down Wasm runtime")

		// Close all active instances first
		r.instances.Range(func(key, value any) bool {
			if inst, ok := value.(*Instance); ok {
				if closeErr := inst.Close(ctx); closeErr != nil {
					r.logger.Warn("Failed to close instance",
						zap.String("instance_id", key.(string)),
						zap.Error(closeErr),
					)
				}
			}
			return true
		})

		// Close the runtime (closes compiled modules)
		err = r.runtime.Close(ctx)
		if r.cache != nil {
			err = errors.Join(err, r.cache.Close(ctx))
		}

		close(r.closed)
		r.logger.Info("Wasm runtime shutdown complete")
	})

	return err
}

// GetCompiledModule retrieves a compiled module from cache.
func (r *Runtime) GetCompiledModule(name string) (*CompiledModule, bool) {
	if val, ok := r.modules.Load(name); ok {
		if mod, ok := val.(*CompiledModule); ok {
			return mod, true
		}
	}
	return nil, false
}

// StoreCompiledModule stores a compiled module in cache.
func (r *Runtime) StoreCompiledModule(module *CompiledModule) {
	r.modules.Store(module.Name, module)
}

// GetInstance retrieves an active instance.
func (r *Runtime) GetInstance(instanceID string) (*Instance, bool) {
	if val, ok := r.instances.Load(instanceID); ok {
		if inst, ok := val.(*Instance); ok {
			return inst, true
		}
	}
	return nil, false
}

// StoreInstance stores an active instance.
func (r *Runtime) StoreInstance(instance *Instance) {
	r.instances.Store(instance.ID, instance)
}

// DeleteInstance removes an instance from tracking.
func (r *Runtime) DeleteInstance(instanceID string) {
	r.instances.Delete(instanceID)
}

// ActiveInstances returns the number of tracked instances.
func (r *Runtime) ActiveInstances() int {
	n := 0
	r.instances.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// IsClosed returns whether the runtime has been closed.
func (r *Runtime) IsClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}
