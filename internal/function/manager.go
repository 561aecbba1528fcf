package function

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/blocklessnetwork/bls-runtime-go/internal/config"
	"github.com/blocklessnetwork/bls-runtime-go/internal/wasm"
)

// Manager manages function lifecycle.
type Manager struct {
	cfg         *config.ServerConfig
	runtime     *wasm.Runtime
	loader      *Loader
	registry    *Registry
	instanceMgr *wasm.InstanceManager
	logger      *zap.Logger

	mu     sync.RWMutex
	loaded bool
}

// RunResult is the outcome of running a function's _start.
type RunResult struct {
	ExitCode  uint32
	Stdout    []byte
	Stderr    []byte
	Truncated bool
}

// NewManager creates a new function manager. The blockless host module is
// registered with runtime on first use.
func NewManager(
	ctx context.Context,
	cfg *config.ServerConfig,
	runtime *wasm.Runtime,
	hostFuncs *wasm.HostFunctions,
	logger *zap.Logger,
) (*Manager, error) {
	instanceMgr, err := wasm.NewInstanceManager(ctx, runtime, hostFuncs, logger)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:         cfg,
		runtime:     runtime,
		loader:      NewLoader(runtime, logger),
		registry:    NewRegistry(logger),
		instanceMgr: instanceMgr,
		logger:      logger.With(zap.String("component", "function-manager")),
	}, nil
}

// LoadAll discovers and loads all functions from the configured paths.
func (m *Manager) LoadAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loaded {
		return fmt.Errorf("functions already loaded")
	}

	m.logger.Info("Loading functions",
		zap.Strings("paths", m.cfg.FunctionPaths),
	)

	functions, err := m.loader.DiscoverFunctions(ctx, m.cfg.FunctionPaths)
	if err != nil {
		var notFound *NoFunctionsFoundError
		if errors.As(err, &notFound) {
			m.logger.Warn("No functions found in configured paths",
				zap.Strings("paths", m.cfg.FunctionPaths),
			)
			m.loaded = true
			return nil
		}
		return err
	}

	for _, fn := range functions {
		if err := m.registry.Register(fn); err != nil {
			m.logger.Error("Failed to register function",
				zap.String("name", fn.Manifest.Name),
				zap.Error(err),
			)
			continue
		}
	}

	m.loaded = true

	m.logger.Info("Functions loaded successfully",
		zap.Int("count", m.registry.Count()),
	)

	return nil
}

// Get retrieves a function by name.
func (m *Manager) Get(name string) (*Function, error) {
	fn, ok := m.registry.Get(name)
	if !ok {
		return nil, &NotFoundError{FunctionName: name}
	}
	return fn, nil
}

// Instantiate creates a new instance of a function. The manifest's args,
// env and permissions are applied over the runtime defaults.
func (m *Manager) Instantiate(ctx context.Context, name string) (*wasm.Instance, error) {
	fn, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	return m.instanceMgr.Instantiate(ctx, m.instanceConfig(fn))
}

// instanceConfig merges the manifest over cfg.Runtime. Manifest args
// replace the defaults, env keys and preopen guest paths override,
// permissions accumulate.
func (m *Manager) instanceConfig(fn *Function) *wasm.InstanceConfig {
	defaults := m.cfg.Runtime
	mf := fn.Manifest

	args := defaults.Args
	if len(mf.Args) > 0 {
		args = mf.Args
	}

	env := defaults.EnvMap()
	for k, v := range mf.Env {
		env[k] = v
	}

	preopens := defaults.PreopenMap()
	for guestPath, hostDir := range mf.PreopenDirs() {
		preopens[guestPath] = hostDir
	}

	perms := make([]string, 0, len(defaults.Permissions)+len(mf.Permissions))
	seen := make(map[string]bool)
	for _, p := range append(append([]string(nil), defaults.Permissions...), mf.Permissions...) {
		if !seen[p] {
			seen[p] = true
			perms = append(perms, p)
		}
	}

	ic := &wasm.InstanceConfig{
		ModuleName:  fn.Compiled.Name,
		Args:        append([]string(nil), args...),
		Env:         env,
		Permissions: perms,
		Preopens:    preopens,
	}
	if mf.Stdin != "" {
		ic.Stdin = strings.NewReader(mf.Stdin)
	}
	return ic
}

// Run instantiates a function, runs its _start and closes the instance.
// Output captured before a failure is returned along with the error.
func (m *Manager) Run(ctx context.Context, name string) (*RunResult, error) {
	inst, err := m.Instantiate(ctx, name)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := inst.Close(context.Background()); cerr != nil {
			m.logger.Warn("Failed to close instance",
				zap.String("instance_id", inst.ID),
				zap.Error(cerr),
			)
		}
	}()

	result, err := Execute(ctx, inst)
	if err != nil {
		return result, err
	}

	m.logger.Info("Function finished",
		zap.String("name", name),
		zap.String("instance_id", inst.ID),
		zap.Uint32("exit_code", result.ExitCode),
	)
	return result, nil
}

// Execute runs inst's _start and collects its exit code and output.
// The instance is left open.
func Execute(ctx context.Context, inst *wasm.Instance) (*RunResult, error) {
	code, err := inst.Start(ctx)
	return &RunResult{
		ExitCode:  code,
		Stdout:    inst.Stdout(),
		Stderr:    inst.Stderr(),
		Truncated: inst.OutputTruncated(),
	}, err
}

// Shutdown closes the runtime and every live instance.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Shutting down function manager")

	if err := m.runtime.Close(ctx); err != nil {
		m.logger.Error("Failed to shutdown runtime", zap.Error(err))
		return err
	}

	m.logger.Info("Function manager shutdown complete")
	return nil
}

// Registry returns the function registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Loader returns the function loader.
func (m *Manager) Loader() *Loader {
	return m.loader
}

// Instances returns the instance manager shared by all functions.
func (m *Manager) Instances() *wasm.InstanceManager {
	return m.instanceMgr
}

// IsLoaded returns whether functions have been loaded.
func (m *Manager) IsLoaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded
}
