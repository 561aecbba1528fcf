// Package server wires configuration, the wasm runtime, the extension
// dispatcher and deployed functions into one runnable unit.
package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/blocklessnetwork/bls-runtime-go/internal/config"
	"github.com/blocklessnetwork/bls-runtime-go/internal/extension"
	"github.com/blocklessnetwork/bls-runtime-go/internal/function"
	"github.com/blocklessnetwork/bls-runtime-go/internal/guestmod"
	"github.com/blocklessnetwork/bls-runtime-go/internal/relay"
	"github.com/blocklessnetwork/bls-runtime-go/internal/tracer"
	"github.com/blocklessnetwork/bls-runtime-go/internal/wasm"
)

// SelfTestInput is the phrase SelfTest upper-cases.
const SelfTestInput = "this should be uppercase"

const selfTestModule = "selftest.wasm"

// Server owns the runtime, the function manager and an optional IPFS relay.
type Server struct {
	cfg             *config.ServerConfig
	logger          *zap.Logger
	functions       *function.Manager
	shutdownTracing func(context.Context) error

	mu    sync.Mutex
	relay *relay.Relay
}

// NewServer builds a server whose guests reach the network through the
// HTTP, S3 and IPFS extensions configured in cfg.
func NewServer(ctx context.Context, cfg *config.ServerConfig, logger *zap.Logger) (*Server, error) {
	return NewServerWithHandler(ctx, cfg, extension.NewDispatcher(cfg, logger), logger)
}

// NewServerWithHandler builds a server with a custom host call handler.
func NewServerWithHandler(ctx context.Context, cfg *config.ServerConfig, handler wasm.HostCallHandler, logger *zap.Logger) (*Server, error) {
	shutdownTracing, err := tracer.Setup(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	wasmConfig := &wasm.RuntimeConfig{
		MemoryPages:      cfg.Wasm.MemoryPages,
		DebugEnabled:     cfg.Wasm.Debug,
		CacheDir:         cfg.Wasm.CacheDir,
		MaxInstances:     cfg.Wasm.MaxInstances,
		ExecutionTimeout: cfg.Wasm.Timeout(),
		MaxRequestSize:   cfg.Wasm.MaxRequestSize,
		OutputLimit:      cfg.Wasm.OutputLimit,
		TrackAllocations: cfg.Wasm.TrackAllocations,
		MaxPendingCalls:  cfg.Wasm.MaxPendingCalls,
	}

	wasmRuntime, err := wasm.NewRuntime(ctx, logger, wasmConfig)
	if err != nil {
		_ = shutdownTracing(ctx)
		return nil, fmt.Errorf("failed to initialize Wasm runtime: %w", err)
	}

	functions, err := function.NewManager(ctx, cfg, wasmRuntime, wasm.NewHostFunctions(handler, logger), logger)
	if err != nil {
		_ = wasmRuntime.Close(ctx)
		_ = shutdownTracing(ctx)
		return nil, fmt.Errorf("failed to initialize function manager: %w", err)
	}

	logger.Info("Runtime server initialized",
		zap.Uint32("wasm_memory_pages", cfg.Wasm.MemoryPages),
		zap.String("wasm_cache_dir", cfg.Wasm.CacheDir),
		zap.Strings("function_paths", cfg.FunctionPaths),
	)

	return &Server{
		cfg:             cfg,
		logger:          logger,
		functions:       functions,
		shutdownTracing: shutdownTracing,
	}, nil
}

// Functions returns the function manager.
func (s *Server) Functions() *function.Manager {
	return s.functions
}

// LoadFunctions discovers the functions under cfg.FunctionPaths.
func (s *Server) LoadFunctions(ctx context.Context) error {
	return s.functions.LoadAll(ctx)
}

// Run runs a deployed function by name.
func (s *Server) Run(ctx context.Context, name string) (*function.RunResult, error) {
	return s.functions.Run(ctx, name)
}

// RunModule compiles the module at source (a path or http(s) URL) and runs
// its _start with the runtime defaults.
func (s *Server) RunModule(ctx context.Context, source string) (*function.RunResult, error) {
	inst, err := s.instantiate(ctx, source, false)
	if err != nil {
		return nil, err
	}
	defer s.closeInstance(inst)

	return function.Execute(ctx, inst)
}

// Invoke compiles the module at source and calls one of its exports over
// input using the marshalling convention.
func (s *Server) Invoke(ctx context.Context, source, export string, input []byte, conv wasm.ResultConvention) (*wasm.InvokeResult, error) {
	inst, err := s.instantiate(ctx, source, true)
	if err != nil {
		return nil, err
	}
	defer s.closeInstance(inst)

	return inst.Invoke(ctx, export, input, conv)
}

// SelfTest upper-cases a fixed phrase through a synthesized guest and
// returns the guest's output.
func (s *Server) SelfTest(ctx context.Context) (string, error) {
	compiled, err := s.functions.Loader().ModuleLoader().LoadModuleFromMemory(ctx, selfTestModule, guestmod.New())
	if err != nil {
		return "", err
	}
	inst, err := s.instantiateCompiled(ctx, compiled, true)
	if err != nil {
		return "", err
	}
	defer s.closeInstance(inst)

	out, err := inst.InvokeString(ctx, "upper", SelfTestInput, wasm.ResultSameLength)
	if err != nil {
		return "", err
	}
	if want := strings.ToUpper(SelfTestInput); out != want {
		return out, fmt.Errorf("self test: got %q, want %q", out, want)
	}
	return out, nil
}

func (s *Server) instantiate(ctx context.Context, source string, requireAllocator bool) (*wasm.Instance, error) {
	compiled, err := s.functions.Loader().ModuleLoader().LoadModule(ctx, wasm.SourceFor(source))
	if err != nil {
		return nil, err
	}
	return s.instantiateCompiled(ctx, compiled, requireAllocator)
}

func (s *Server) instantiateCompiled(ctx context.Context, compiled *wasm.CompiledModule, requireAllocator bool) (*wasm.Instance, error) {
	defaults := s.cfg.Runtime
	return s.functions.Instances().Instantiate(ctx, &wasm.InstanceConfig{
		ModuleName:       compiled.Name,
		Args:             append([]string(nil), defaults.Args...),
		Env:              defaults.EnvMap(),
		Permissions:      append([]string(nil), defaults.Permissions...),
		Preopens:         defaults.PreopenMap(),
		RequireAllocator: requireAllocator,
	})
}

func (s *Server) closeInstance(inst *wasm.Instance) {
	if err := inst.Close(context.Background()); err != nil {
		s.logger.Warn("Failed to close instance",
			zap.String("instance_id", inst.ID),
			zap.Error(err),
		)
	}
}

// ServeRelay starts the IPFS API relay on addr (cfg.IPFS.RelayAddr when
// empty) and returns the bound address. It runs until Close or until ctx
// is done.
func (s *Server) ServeRelay(ctx context.Context, addr string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.relay != nil {
		return "", errors.New("relay already running")
	}
	if addr == "" {
		addr = s.cfg.IPFS.RelayAddr
	}

	r, err := relay.New(s.cfg.IPFS.APIURL, s.logger)
	if err != nil {
		return "", err
	}
	if err := r.Start(ctx, addr); err != nil {
		return "", err
	}
	s.relay = r
	return r.Addr(), nil
}

// Close gracefully shuts down the server.
func (s *Server) Close(ctx context.Context) error {
	s.logger.Info("Shutting down runtime server")

	var errs []error

	s.mu.Lock()
	r := s.relay
	s.relay = nil
	s.mu.Unlock()
	if r != nil {
		if err := r.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop relay: %w", err))
		}
	}

	if err := s.functions.Shutdown(ctx); err != nil {
		s.logger.Error("Failed to shutdown Wasm runtime", zap.Error(err))
		errs = append(errs, err)
	}

	if err := s.shutdownTracing(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
	}

	s.logger.Info("Runtime server shutdown complete")
	return errors.Join(errs...)
}
