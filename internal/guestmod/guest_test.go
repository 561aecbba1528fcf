package guestmod

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

func TestEncodeULEB128(t *testing.T) {
	tests := []struct {
		in   uint32
		want []byte
	}{
		{0, []byte{0x00}},
		{127, []byte{0x7f}},
		{128, []byte{0x80, 0x01}},
		{624485, []byte{0xe5, 0x8e, 0x26}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, encodeULEB128(tt.in), "encodeULEB128(%d)", tt.in)
	}
}

func TestEncodeSLEB128(t *testing.T) {
	assert.Equal(t, []byte{0x00}, encodeSLEB128(int32(0)))
	assert.Equal(t, []byte{0x7f}, encodeSLEB128(int32(-1)))
	assert.Equal(t, []byte{0x70}, encodeSLEB128(int32(-16)))
	assert.Equal(t, []byte{0xc0, 0x00}, encodeSLEB128(int32(64)))
	assert.Equal(t, []byte{0x80, 0xc0, 0x00}, encodeSLEB128(int64(8192)))
}

func compile(t *testing.T, wasm []byte) wazero.CompiledModule {
	t.Helper()
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	t.Cleanup(func() { _ = r.Close(ctx) })

	compiled, err := r.CompileModule(ctx, wasm)
	require.NoError(t, err)
	return compiled
}

func TestNewValidates(t *testing.T) {
	variants := map[string][]Option{
		"default":     nil,
		"stdout":      {WithStdout("hi\n")},
		"host log":    {WithHostLog("hi")},
		"http call":   {WithHostCall("http_call", []byte(`{}`), 9)},
		"host call":   {WithHostCall("host_call", []byte(`{}`), 0)},
		"call view":   {WithHostCallView("ipfs_call", 1, 2, 3)},
		"exit":        {WithExitCode(2)},
		"busy loop":   {WithBusyLoop()},
		"broken":      {WithBrokenAlloc(), WithoutDealloc(), WithoutMemoryExport()},
		"fixed alloc": {WithFixedAlloc()},
		"preopen":     {WithPreopenCheck()},
		"everything":  {WithStdout("a"), WithHostLog("b"), WithHostCall("s3_call", []byte("c"), 1), WithPreopenCheck(), WithExitCode(0)},
	}
	for name, opts := range variants {
		t.Run(name, func(t *testing.T) {
			compile(t, New(opts...))
		})
	}
}

func TestNewExports(t *testing.T) {
	exports := compile(t, New()).ExportedFunctions()
	for _, name := range []string{"alloc", "dealloc", "upper", "array_sum", "echo", "_start",
		"http_callback", "s3_callback", "ipfs_callback", "blockless_callback"} {
		assert.Contains(t, exports, name)
	}

	alloc := exports["alloc"]
	assert.Equal(t, []api.ValueType{api.ValueTypeI32}, alloc.ParamTypes())
	assert.Equal(t, []api.ValueType{api.ValueTypeI32}, alloc.ResultTypes())

	assert.NotContains(t, compile(t, New(WithoutDealloc())).ExportedFunctions(), "dealloc")
	assert.Empty(t, compile(t, New(WithoutMemoryExport())).ExportedMemories())
}

func TestNewImports(t *testing.T) {
	imports := compile(t, New(WithHostLog("x"), WithStdout("y"), WithExitCode(1))).ImportedFunctions()

	var names []string
	for _, def := range imports {
		module, name, _ := def.Import()
		names = append(names, module+"."+name)
	}
	assert.ElementsMatch(t, []string{
		"blockless.host_log",
		"wasi_snapshot_preview1.fd_write",
		"wasi_snapshot_preview1.proc_exit",
	}, names)
}

func TestFixedAlloc(t *testing.T) {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	mod, err := r.Instantiate(ctx, New(WithFixedAlloc()))
	require.NoError(t, err)

	alloc := mod.ExportedFunction("alloc")
	for _, size := range []uint64{1, 64, 0} {
		res, err := alloc.Call(ctx, size)
		require.NoError(t, err)
		assert.Equal(t, uint64(HeapBase), res[0])
	}
}

func TestUpperAndAlloc(t *testing.T) {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	mod, err := r.Instantiate(ctx, New())
	require.NoError(t, err)

	mem := mod.ExportedMemory("memory")
	require.True(t, mem.Write(PayloadOffset, []byte("mixed Case 123")))

	res, err := mod.ExportedFunction("upper").Call(ctx, PayloadOffset, 14)
	require.NoError(t, err)
	out, ok := mem.Read(uint32(res[0]), 14)
	require.True(t, ok)
	assert.Equal(t, "MIXED CASE 123", string(out))

	// The output buffer came from alloc; the next allocation starts
	// on the following 8-byte boundary.
	assert.Equal(t, uint64(HeapBase), res[0])
	next, err := mod.ExportedFunction("alloc").Call(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(HeapBase+16), next[0])

	sum, err := mod.ExportedFunction("array_sum").Call(ctx, PayloadOffset, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64('m'+'i'+'x'), sum[0])
}
