package wasm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

var moduleSeq atomic.Int64

type testEnv struct {
	runtime *Runtime
	loader  *ModuleLoader
	manager *InstanceManager
}

// newTestEnv builds a runtime with the blockless host module wired to
// handler. A nil config uses the defaults.
func newTestEnv(t *testing.T, handler HostCallHandler, config *RuntimeConfig) *testEnv {
	t.Helper()
	return newTestEnvWithLogger(t, zaptest.NewLogger(t), handler, config)
}

func newTestEnvWithLogger(t *testing.T, logger *zap.Logger, handler HostCallHandler, config *RuntimeConfig) *testEnv {
	t.Helper()
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = runtime.Close(context.Background()) })

	manager, err := NewInstanceManager(ctx, runtime, NewHostFunctions(handler, logger), logger)
	require.NoError(t, err)

	return &testEnv{
		runtime: runtime,
		loader:  NewModuleLoader(runtime, logger),
		manager: manager,
	}
}

// compile loads wasm under a fresh module name.
func (e *testEnv) compile(t *testing.T, wasm []byte) string {
	t.Helper()
	name := fmt.Sprintf("guest-%d.wasm", moduleSeq.Add(1))
	_, err := e.loader.LoadModuleFromMemory(context.Background(), name, wasm)
	require.NoError(t, err)
	return name
}

func (e *testEnv) instantiate(t *testing.T, wasm []byte, config *InstanceConfig) *Instance {
	t.Helper()
	if config == nil {
		config = &InstanceConfig{}
	}
	config.ModuleName = e.compile(t, wasm)

	inst, err := e.manager.Instantiate(context.Background(), config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close(context.Background()) })
	return inst
}

func mustGuest(t *testing.T, inst *Instance) *Guest {
	t.Helper()
	g, err := inst.Guest()
	require.NoError(t, err)
	return g
}

// globalU32 reads an exported i32 global of the instance.
func globalU32(t *testing.T, inst *Instance, name string) uint32 {
	t.Helper()
	g := inst.module.ExportedGlobal(name)
	require.NotNil(t, g, "global %s not exported", name)
	return uint32(g.Get())
}

// fakeHandler records host calls and answers them with fixed results.
type fakeHandler struct {
	mu    sync.Mutex
	calls []HostCall

	validateErr error
	result      []byte
	handleErr   error
}

func (f *fakeHandler) ValidateHostCall(_ context.Context, call HostCall) error {
	return f.validateErr
}

func (f *fakeHandler) HandleHostCall(_ context.Context, call HostCall) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.result, f.handleErr
}

func (f *fakeHandler) recorded() []HostCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]HostCall(nil), f.calls...)
}
