package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/blocklessnetwork/bls-runtime-go/internal/guestmod"
	"github.com/blocklessnetwork/bls-runtime-go/pkg/protocol"
)

func TestInvokeUppercase(t *testing.T) {
	env := newTestEnv(t, nil, &RuntimeConfig{TrackAllocations: true})
	inst := env.instantiate(t, guestmod.New(), nil)

	out, err := inst.InvokeString(context.Background(), "upper", "this should be uppercase", ResultSameLength)
	require.NoError(t, err)
	assert.Equal(t, "THIS SHOULD BE UPPERCASE", out)

	// Both the input and the guest's output were released.
	assert.Empty(t, mustGuest(t, inst).Tracker().Outstanding())
}

func TestInvokeReleasesInputOnResultError(t *testing.T) {
	env := newTestEnv(t, nil, &RuntimeConfig{TrackAllocations: true})
	inst := env.instantiate(t, guestmod.New(), nil)
	g := mustGuest(t, inst)
	ctx := context.Background()

	_, err := inst.Invoke(ctx, "upper", []byte("x"), ResultPtrLen)
	require.Error(t, err)
	assert.Empty(t, g.Tracker().Outstanding())

	// upper leaves these bytes alone, so the output reads as a length
	// prefix far past the end of memory.
	_, err = inst.Invoke(ctx, "upper", []byte{0xff, 0xff, 0xff, 0x7f}, ResultLengthPrefixed)
	require.ErrorIs(t, err, ErrBoundsViolation)
	assert.Empty(t, g.Tracker().Outstanding())
}

func TestInvokeConventions(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	inst := env.instantiate(t, guestmod.New(), nil)
	ctx := context.Background()

	t.Run("raw", func(t *testing.T) {
		res, err := inst.Invoke(ctx, "array_sum", []byte{1, 2, 3, 250}, ResultRaw)
		require.NoError(t, err)
		require.Len(t, res.Values, 1)
		assert.Equal(t, uint64(256), res.Values[0])
		assert.Nil(t, res.Data)
	})

	t.Run("ptr-len", func(t *testing.T) {
		res, err := inst.Invoke(ctx, "echo", []byte("echo me"), ResultPtrLen)
		require.NoError(t, err)
		assert.Equal(t, "echo me", string(res.Data))
	})

	t.Run("ptr-len needs two results", func(t *testing.T) {
		_, err := inst.Invoke(ctx, "upper", []byte("x"), ResultPtrLen)
		require.Error(t, err)
	})

	t.Run("unknown export", func(t *testing.T) {
		_, err := inst.Invoke(ctx, "missing", []byte("x"), ResultRaw)
		var notFound *FunctionNotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, "missing", notFound.FunctionName)
	})
}

func TestParseResultConvention(t *testing.T) {
	for _, s := range []string{"raw", "same-length", "ptr-len", "length-prefixed"} {
		c, err := ParseResultConvention(s)
		require.NoError(t, err)
		assert.Equal(t, ResultConvention(s), c)
	}

	c, err := ParseResultConvention("")
	require.NoError(t, err)
	assert.Equal(t, ResultRaw, c)

	_, err = ParseResultConvention("json")
	require.Error(t, err)
}

func TestCallRawExport(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	inst := env.instantiate(t, guestmod.New(), nil)

	results, err := inst.Call(context.Background(), "alloc", 16)
	require.NoError(t, err)
	assert.Equal(t, uint64(guestmod.HeapBase), results[0])
}

func TestStartWritesStdout(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	inst := env.instantiate(t, guestmod.New(guestmod.WithStdout("hello from wasi\n")), nil)

	code, err := inst.Start(context.Background())
	require.NoError(t, err)
	assert.Zero(t, code)
	assert.Equal(t, "hello from wasi\n", string(inst.Stdout()))
	assert.Empty(t, inst.Stderr())
	assert.False(t, inst.OutputTruncated())
	assert.False(t, inst.Exited())
}

func TestStartOutputLimit(t *testing.T) {
	env := newTestEnv(t, nil, &RuntimeConfig{OutputLimit: 5})
	inst := env.instantiate(t, guestmod.New(guestmod.WithStdout("hello from wasi\n")), nil)

	_, err := inst.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(inst.Stdout()))
	assert.True(t, inst.OutputTruncated())
}

func TestStartExitCode(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	inst := env.instantiate(t, guestmod.New(guestmod.WithExitCode(3)), nil)

	code, err := inst.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(3), code)
	assert.True(t, inst.Exited())

	_, err = inst.Call(context.Background(), "alloc", 1)
	require.Error(t, err)
}

func TestExecutionTimeout(t *testing.T) {
	env := newTestEnv(t, nil, &RuntimeConfig{ExecutionTimeout: 50 * time.Millisecond})
	inst := env.instantiate(t, guestmod.New(guestmod.WithBusyLoop()), nil)

	start := time.Now()
	_, err := inst.Start(context.Background())
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 50*time.Millisecond, timeout.Duration)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, inst.Exited())
}

func TestCallerCancellation(t *testing.T) {
	env := newTestEnv(t, nil, &RuntimeConfig{ExecutionTimeout: time.Minute})
	inst := env.instantiate(t, guestmod.New(guestmod.WithBusyLoop()), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := inst.Start(ctx)
	require.Error(t, err)
	var timeout *TimeoutError
	assert.False(t, errors.As(err, &timeout))
}

func TestHostLog(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	env := newTestEnvWithLogger(t, zap.New(core), nil, nil)
	inst := env.instantiate(t, guestmod.New(guestmod.WithHostLog("guest says hi")), nil)

	_, err := inst.Start(context.Background())
	require.NoError(t, err)

	entries := logs.FilterMessage("guest says hi").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "guest", entries[0].ContextMap()["source"])
	assert.Equal(t, inst.ID, entries[0].ContextMap()["instance_id"])
}

func TestHostFunctionOutsideInvocation(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	inst := env.instantiate(t, guestmod.New(guestmod.WithHostLog("no session")), nil)

	// Calling _start through wazero directly skips the session.
	_, err := inst.module.ExportedFunction("_start").Call(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside an instance invocation")
}

// readCallback decodes the length-prefixed JSON the host delivered to a
// callback export.
func readCallback(t *testing.T, inst *Instance, v any) {
	t.Helper()
	ptr := globalU32(t, inst, guestmod.GlobalLastResult)
	require.NotZero(t, ptr, "callback was not invoked")
	data, err := ReadLengthPrefixed(mustGuest(t, inst), ptr)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func TestHTTPCallCallback(t *testing.T) {
	handler := &fakeHandler{result: []byte("pong")}
	env := newTestEnv(t, handler, nil)
	payload := []byte(`{"url":"https://example.com/ping","method":"Get"}`)
	inst := env.instantiate(t, guestmod.New(guestmod.WithHostCall("http_call", payload, 42)), &InstanceConfig{
		Permissions: []string{"https://example.com"},
	})

	_, err := inst.Start(context.Background())
	require.NoError(t, err)

	assert.Zero(t, globalU32(t, inst, guestmod.GlobalDispatchStatus))
	assert.Equal(t, uint32(42), globalU32(t, inst, guestmod.GlobalLastCallbackID))

	var result protocol.CallResult
	readCallback(t, inst, &result)
	data, err := result.Result()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(data))

	calls := handler.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, CallHTTP, calls[0].Kind)
	assert.Equal(t, inst.ID, calls[0].InstanceID)
	assert.Equal(t, payload, calls[0].Payload)
	assert.Equal(t, []string{"https://example.com"}, calls[0].Permissions)
}

func TestHostCallFailureDeliveredAsErr(t *testing.T) {
	handler := &fakeHandler{handleErr: errors.New("bucket not found")}
	env := newTestEnv(t, handler, nil)
	inst := env.instantiate(t, guestmod.New(guestmod.WithHostCall("s3_call", []byte(`{"S3Get":{}}`), 7)), nil)

	_, err := inst.Start(context.Background())
	require.NoError(t, err)

	var result protocol.CallResult
	readCallback(t, inst, &result)
	require.NotNil(t, result.Err)
	assert.Equal(t, "bucket not found", *result.Err)
	assert.Equal(t, uint32(7), globalU32(t, inst, guestmod.GlobalLastCallbackID))
}

func TestHostCallRejected(t *testing.T) {
	tests := []struct {
		name    string
		handler HostCallHandler
		config  *RuntimeConfig
		payload []byte
		want    string
	}{
		{
			name:    "validation",
			handler: &fakeHandler{validateErr: errors.New("permission denied: https://evil.example")},
			payload: []byte(`{"url":"https://evil.example"}`),
			want:    "permission denied: https://evil.example",
		},
		{
			name:    "no handler",
			payload: []byte(`{}`),
			want:    "no extension handler configured",
		},
		{
			name:    "request too large",
			handler: &fakeHandler{},
			config:  &RuntimeConfig{MaxRequestSize: 4},
			payload: []byte(`{"url":"https://example.com"}`),
			want:    "exceeds limit of 4",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.handler, tt.config)
			inst := env.instantiate(t, guestmod.New(guestmod.WithHostCall("ipfs_call", tt.payload, 1)), nil)

			_, err := inst.Start(context.Background())
			require.NoError(t, err)

			status := globalU32(t, inst, guestmod.GlobalDispatchStatus)
			require.NotZero(t, status)
			msg, err := ReadLengthPrefixed(mustGuest(t, inst), status)
			require.NoError(t, err)
			assert.Contains(t, string(msg), tt.want)

			// No callback ran.
			assert.Zero(t, globalU32(t, inst, guestmod.GlobalLastResult))
		})
	}
}

func TestModuleCallEnvelope(t *testing.T) {
	handler := &fakeHandler{result: []byte(`{"status":200}`)}
	env := newTestEnv(t, handler, nil)
	payload := []byte(`{"module":"Http","params":{"url":"https://example.com"}}`)
	inst := env.instantiate(t, guestmod.New(guestmod.WithHostCall("host_call", payload, 0)), nil)

	_, err := inst.Start(context.Background())
	require.NoError(t, err)

	calls := handler.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, CallModule, calls[0].Kind)
	assert.Equal(t, protocol.ModuleHTTP, calls[0].Module)
	assert.JSONEq(t, `{"url":"https://example.com"}`, string(calls[0].Payload))

	var resp protocol.ModuleCallResponse
	readCallback(t, inst, &resp)
	assert.Equal(t, protocol.ModuleHTTP, resp.Module)
	data, err := resp.Response.Result()
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":200}`, string(data))
}

func TestModuleCallBadEnvelope(t *testing.T) {
	env := newTestEnv(t, &fakeHandler{}, nil)
	inst := env.instantiate(t, guestmod.New(guestmod.WithHostCall("host_call", []byte("not json"), 0)), nil)

	_, err := inst.Start(context.Background())
	require.NoError(t, err)

	status := globalU32(t, inst, guestmod.GlobalDispatchStatus)
	require.NotZero(t, status)
	msg, err := ReadLengthPrefixed(mustGuest(t, inst), status)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(msg), "invalid module call"))
}

func TestHostCallBoundsViolationAbortsGuest(t *testing.T) {
	handler := &fakeHandler{}
	env := newTestEnv(t, handler, nil)
	inst := env.instantiate(t, guestmod.New(guestmod.WithHostCallView("http_call", 65530, 100, 1)), nil)

	_, err := inst.Start(context.Background())
	require.ErrorIs(t, err, ErrBoundsViolation)
	assert.Empty(t, handler.recorded())
}

func TestPreopenMount(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	inst := env.instantiate(t, guestmod.New(guestmod.WithPreopenCheck()), &InstanceConfig{
		Preopens: map[string]string{"/data": t.TempDir()},
	})
	_, err := inst.Start(ctx)
	require.NoError(t, err)

	assert.Zero(t, globalU32(t, inst, guestmod.GlobalDispatchStatus), "fd_prestat_get errno")
	require.Equal(t, uint32(len("/data")), globalU32(t, inst, guestmod.GlobalLastResult))
	name, err := ReadString(mustGuest(t, inst), guestmod.PrestatNameOffset, uint32(len("/data")))
	require.NoError(t, err)
	assert.Equal(t, "/data", name)

	t.Run("no mounts", func(t *testing.T) {
		inst := env.instantiate(t, guestmod.New(guestmod.WithPreopenCheck()), nil)
		_, err := inst.Start(ctx)
		require.NoError(t, err)
		assert.NotZero(t, globalU32(t, inst, guestmod.GlobalDispatchStatus))
	})
}

func TestPreopenRejected(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	tests := map[string]map[string]string{
		"missing host dir":   {"/data": filepath.Join(t.TempDir(), "missing")},
		"host path not dir":  {"/data": file},
		"relative guest dir": {"data": t.TempDir()},
	}
	for name, preopens := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := env.manager.Instantiate(context.Background(), &InstanceConfig{
				ModuleName: env.compile(t, guestmod.New()),
				Preopens:   preopens,
			})
			var instErr *InstantiationError
			require.ErrorAs(t, err, &instErr)
			assert.Zero(t, env.runtime.ActiveInstances())
		})
	}
}

func TestInstantiateRunsInitialize(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	inst := env.instantiate(t, guestmod.New(guestmod.WithInitialize()), nil)

	assert.Equal(t, uint32(guestmod.InitializedMarker), globalU32(t, inst, guestmod.GlobalLastResult))

	out, err := inst.InvokeString(context.Background(), "upper", "reactor", ResultSameLength)
	require.NoError(t, err)
	assert.Equal(t, "REACTOR", out)
}
