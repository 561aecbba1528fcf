package wasm

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/blocklessnetwork/bls-runtime-go/internal/tracer"
	"github.com/blocklessnetwork/bls-runtime-go/pkg/protocol"
)

// InstanceManager creates and manages module instances.
type InstanceManager struct {
	runtime   *Runtime
	logger    *zap.Logger
	hostFuncs *HostFunctions
}

// NewInstanceManager creates a new instance manager and registers the
// blockless host module with the runtime.
func NewInstanceManager(ctx context.Context, runtime *Runtime, hostFuncs *HostFunctions, logger *zap.Logger) (*InstanceManager, error) {
	if err := runtime.registerHostModule(ctx, hostFuncs); err != nil {
		return nil, err
	}
	return &InstanceManager{
		runtime:   runtime,
		hostFuncs: hostFuncs,
		logger:    logger.With(zap.String("component", "wasm-instance")),
	}, nil
}

// InstanceConfig holds configuration for creating instances.
type InstanceConfig struct {
	// Module name to instantiate.
	ModuleName string

	// Instance ID (if empty, generates a ULID-based one).
	InstanceID string

	// WASI arguments after the program name.
	Args []string

	// WASI environment.
	Env map[string]string

	// WASI stdin. Nil reads as empty.
	Stdin io.Reader

	// URL prefixes the instance may reach through extension calls.
	Permissions []string

	// Host directories mounted into the guest, keyed by guest path.
	Preopens map[string]string

	// Fail instantiation when memory/alloc/dealloc are missing even if the
	// module does not import the host module.
	RequireAllocator bool
}

// Instance represents an instantiated Wasm module.
// Calls into one instance are serialized.
type Instance struct {
	// wazero module instance.
	module api.Module

	// Validated marshalling capabilities; nil with guestErr set when the
	// module does not provide them.
	guest    *Guest
	guestErr error

	// Instance metadata.
	ID        string
	Name      string
	CreatedAt int64

	logger         *zap.Logger
	runtime        *Runtime
	permissions    []string
	maxRequestSize uint32
	timeout        time.Duration
	tracker        *AllocationTracker
	stdout         *BoundedBuffer
	stderr         *BoundedBuffer

	mu     sync.Mutex
	calls  *callQueue
	fatal  error
	exited bool

	// Context for extension workers; cancelled on Close.
	jobCtx     context.Context
	cancelJobs context.CancelFunc

	closeOnce sync.Once
}

// Instantiate creates a new instance from a compiled module.
// _start is not run; call Start for command modules.
func (m *InstanceManager) Instantiate(ctx context.Context, config *InstanceConfig) (_ *Instance, err error) {
	if m.runtime.IsClosed() {
		return nil, errors.New("wasm runtime is closed")
	}

	// Get compiled module from cache.
	compiled, ok := m.runtime.GetCompiledModule(config.ModuleName)
	if !ok {
		return nil, &ModuleNotFoundError{ModuleName: config.ModuleName}
	}

	// Generate instance ID if not provided.
	instanceID := config.InstanceID
	if instanceID == "" {
		instanceID = newInstanceID()
	}

	ctx, span := tracer.StartSpan(ctx, "wasm.instantiate",
		trace.WithAttributes(
			tracer.StringAttr("module", config.ModuleName),
			tracer.StringAttr("instance_id", instanceID),
		))
	defer func() { tracer.End(span, err) }()

	fsConfig, err := preopenFSConfig(config.Preopens)
	if err != nil {
		return nil, &InstantiationError{
			ModuleName: config.ModuleName,
			InstanceID: instanceID,
			Err:        err,
		}
	}

	if err := m.runtime.acquireSlot(); err != nil {
		return nil, err
	}

	m.logger.Info("Instantiating Wasm module",
		zap.String("module", config.ModuleName),
		zap.String("instance_id", instanceID),
	)

	rc := m.runtime.config
	stdout := NewBoundedBuffer(rc.OutputLimit)
	stderr := NewBoundedBuffer(rc.OutputLimit)

	moduleConfig := wazero.NewModuleConfig().
		WithName(instanceID).
		WithStartFunctions().
		WithArgs(append([]string{path.Base(config.ModuleName)}, config.Args...)...).
		WithStdout(stdout).
		WithStderr(stderr).
		WithSysWalltime().
		WithSysNanotime().
		WithSysNanosleep().
		WithRandSource(rand.Reader)
	if config.Stdin != nil {
		moduleConfig = moduleConfig.WithStdin(config.Stdin)
	}
	if fsConfig != nil {
		moduleConfig = moduleConfig.WithFSConfig(fsConfig)
	}
	keys := make([]string, 0, len(config.Env))
	for k := range config.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		moduleConfig = moduleConfig.WithEnv(k, config.Env[k])
	}

	module, err := m.runtime.runtime.InstantiateModule(ctx, compiled.Module, moduleConfig)
	if err != nil {
		m.runtime.releaseSlot()
		return nil, &InstantiationError{
			ModuleName: config.ModuleName,
			InstanceID: instanceID,
			Err:        err,
		}
	}

	var tracker *AllocationTracker
	if rc.TrackAllocations {
		tracker = NewAllocationTracker(m.logger)
	}

	// Validate the marshalling exports once, up front.
	guest, guestErr := NewGuest(module, WithAllocationTracker(tracker))
	if guestErr != nil && (config.RequireAllocator || compiled.ImportsHostModule()) {
		_ = module.Close(ctx)
		m.runtime.releaseSlot()
		return nil, &InstantiationError{
			ModuleName: config.ModuleName,
			InstanceID: instanceID,
			Err:        guestErr,
		}
	}

	jobCtx, cancelJobs := context.WithCancel(context.Background())
	instance := &Instance{
		module:         module,
		guest:          guest,
		guestErr:       guestErr,
		ID:             instanceID,
		Name:           config.ModuleName,
		CreatedAt:      time.Now().Unix(),
		logger:         m.logger.With(zap.String("instance_id", instanceID), zap.String("module", config.ModuleName)),
		runtime:        m.runtime,
		permissions:    append([]string(nil), config.Permissions...),
		maxRequestSize: rc.MaxRequestSize,
		timeout:        rc.ExecutionTimeout,
		tracker:        tracker,
		stdout:         stdout,
		stderr:         stderr,
		calls:          newCallQueue(rc.MaxPendingCalls),
		jobCtx:         jobCtx,
		cancelJobs:     cancelJobs,
	}

	// Track active instance.
	m.runtime.StoreInstance(instance)

	// Reactor modules expect _initialize before any other export.
	if module.ExportedFunction("_initialize") != nil {
		initErr := instance.run(ctx, "wasm.initialize", "_initialize", func(ctx context.Context) error {
			fn, err := instance.function("_initialize")
			if err != nil {
				return err
			}
			_, err = fn.Call(ctx)
			return err
		})
		if initErr != nil {
			_ = instance.Close(ctx)
			return nil, &InstantiationError{
				ModuleName: config.ModuleName,
				InstanceID: instanceID,
				Err:        initErr,
			}
		}
	}

	m.logger.Info("Module instantiated successfully",
		zap.String("instance_id", instanceID),
		zap.Bool("marshalling", guest != nil),
	)

	return instance, nil
}

// preopenFSConfig mounts each host directory at its guest path. It returns
// nil when there is nothing to mount.
func preopenFSConfig(preopens map[string]string) (wazero.FSConfig, error) {
	if len(preopens) == 0 {
		return nil, nil
	}
	guestPaths := make([]string, 0, len(preopens))
	for guestPath := range preopens {
		guestPaths = append(guestPaths, guestPath)
	}
	sort.Strings(guestPaths)

	fsConfig := wazero.NewFSConfig()
	for _, guestPath := range guestPaths {
		hostDir := preopens[guestPath]
		if !strings.HasPrefix(guestPath, "/") {
			return nil, fmt.Errorf("preopen guest path %q must be absolute", guestPath)
		}
		info, err := os.Stat(hostDir)
		if err != nil {
			return nil, fmt.Errorf("preopen %s: %w", guestPath, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("preopen %s: %s is not a directory", guestPath, hostDir)
		}
		fsConfig = fsConfig.WithDirMount(hostDir, guestPath)
	}
	return fsConfig, nil
}

// Guest returns the validated capability set, or the MissingCapabilityError
// found at instantiation.
func (i *Instance) Guest() (*Guest, error) {
	if i.guest == nil {
		return nil, i.guestErr
	}
	return i.guest, nil
}

// Start runs the WASI _start export and returns the guest's exit code.
// Returning from _start normally is exit code 0. Extension callbacks
// dispatched by _start are delivered before Start returns.
func (i *Instance) Start(ctx context.Context) (uint32, error) {
	var exitCode uint32
	err := i.run(ctx, "wasm.start", "_start", func(ctx context.Context) error {
		fn, err := i.function("_start")
		if err != nil {
			return err
		}
		_, err = fn.Call(ctx)
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) && !isContextExit(exitErr) {
			i.exited = true
			exitCode = exitErr.ExitCode()
			return nil
		}
		return err
	})
	return exitCode, err
}

// Call invokes an exported function with raw parameters.
func (i *Instance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	var results []uint64
	err := i.run(ctx, "wasm.call", name, func(ctx context.Context) error {
		fn, err := i.function(name)
		if err != nil {
			return err
		}
		results, err = fn.Call(ctx, params...)
		return err
	})
	return results, err
}

// Stdout returns the captured standard output.
func (i *Instance) Stdout() []byte {
	return i.stdout.Bytes()
}

// Stderr returns the captured standard error.
func (i *Instance) Stderr() []byte {
	return i.stderr.Bytes()
}

// OutputTruncated reports whether stdout or stderr exceeded the limit.
func (i *Instance) OutputTruncated() bool {
	return i.stdout.Truncated() || i.stderr.Truncated()
}

// Exited reports whether the guest called proc_exit or was stopped by a
// timeout. An exited instance accepts no further calls.
func (i *Instance) Exited() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.exited
}

// Close closes the instance and releases resources.
// Safe to call multiple times.
func (i *Instance) Close(ctx context.Context) error {
	var err error
	i.closeOnce.Do(func() {
		i.cancelJobs()
		if n := i.tracker.ReportLeaks(i.ID); n > 0 {
			i.logger.Warn("Instance closed with unreleased guest allocations", zap.Int("count", n))
		}
		err = i.module.Close(ctx)
		i.runtime.DeleteInstance(i.ID)
		i.runtime.releaseSlot()
	})
	return err
}

// abort records err as the outcome of the current invocation and unwinds
// the guest. Only host functions call it.
func (i *Instance) abort(err error) {
	i.fatal = err
	panic(err)
}

func (i *Instance) function(name string) (api.Function, error) {
	fn := i.module.ExportedFunction(name)
	if fn == nil {
		return nil, &FunctionNotFoundError{ModuleName: i.Name, FunctionName: name}
	}
	return fn, nil
}

// run executes fn as one serialized invocation: the instance travels in
// ctx for host functions, the timeout applies, and callbacks for host calls
// dispatched along the way are delivered before returning.
func (i *Instance) run(ctx context.Context, op, function string, fn func(context.Context) error) (err error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.exited {
		return fmt.Errorf("instance %s has exited", i.ID)
	}

	ctx, span := tracer.StartSpan(ctx, op,
		trace.WithAttributes(
			tracer.StringAttr("instance_id", i.ID),
			tracer.StringAttr("function", function),
		))
	defer func() { tracer.End(span, err) }()

	parent := ctx
	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}
	ctx = withInstance(ctx, i)

	i.fatal = nil
	err = fn(ctx)
	if err == nil && !i.exited {
		err = i.drainCallbacks(ctx)
	}
	if i.fatal != nil {
		err = i.fatal
	}
	if err != nil {
		i.calls.reset()
		// wazero closes the module on proc_exit and on context expiry.
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) {
			i.exited = true
		}
		if i.timeout > 0 && parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = &TimeoutError{Duration: i.timeout}
		}
		i.logger.Debug("Guest invocation failed",
			zap.String("function", function),
			zap.Error(err),
		)
	}
	return err
}

// drainCallbacks delivers completed host calls until none are pending.
// Callbacks may dispatch further calls.
func (i *Instance) drainCallbacks(ctx context.Context) error {
	for i.calls.pending > 0 {
		var c completion
		select {
		case c = <-i.calls.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		i.calls.pending--
		if err := i.deliver(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// deliver writes the JSON result of c into guest memory and calls the
// matching callback export with it.
func (i *Instance) deliver(ctx context.Context, c completion) error {
	result := protocol.OK(c.data)
	if c.err != nil {
		result = protocol.Failure(c.err)
	}

	var payload []byte
	var err error
	if c.kind == CallModule {
		payload, err = json.Marshal(protocol.ModuleCallResponse{Module: c.module, Response: result})
	} else {
		payload, err = json.Marshal(result)
	}
	if err != nil {
		return fmt.Errorf("encode %s result: %w", c.kind, err)
	}

	ptr, err := WriteLengthPrefixed(ctx, i.guest, payload)
	if err != nil {
		return err
	}

	fn, err := i.function(c.kind.CallbackExport())
	if err != nil {
		return err
	}
	if c.kind == CallModule {
		_, err = fn.Call(ctx, uint64(ptr))
	} else {
		_, err = fn.Call(ctx, uint64(ptr), c.callbackID)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", c.kind.CallbackExport(), err)
	}
	return nil
}

// isContextExit reports whether wazero closed the module because the
// invocation context was cancelled or timed out.
func isContextExit(err *sys.ExitError) bool {
	code := err.ExitCode()
	return code == sys.ExitCodeDeadlineExceeded || code == sys.ExitCodeContextCanceled
}

func newInstanceID() string {
	return "inst-" + ulid.Make().String()
}
