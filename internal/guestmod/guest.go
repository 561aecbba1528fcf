package guestmod

import (
	"encoding/binary"

	"github.com/tetratelabs/wazero/api"
)

// Memory layout of the reference guest. Static data lives below HeapBase;
// alloc bumps upward from HeapBase and never reuses memory unless built
// WithFixedAlloc.
const (
	IovecOffset       = 0
	NWrittenOffset    = 8
	PrestatOffset     = 16
	PrestatNameOffset = 32 // up to 32 bytes of preopen name
	StdoutOffset      = 64
	LogOffset         = 512
	PayloadOffset     = 1024
	HeapBase          = 8192

	maxStdout  = LogOffset - StdoutOffset
	maxLog     = PayloadOffset - LogOffset
	maxPayload = HeapBase - PayloadOffset

	// BrokenAllocPointer is what alloc returns when built WithBrokenAlloc.
	BrokenAllocPointer uint32 = 0xfffffff0

	// InitializedMarker is stored in last_result by _initialize.
	InitializedMarker = 0x1717
)

// Exported globals updated by the guest's callbacks.
const (
	GlobalLastResult     = "last_result"
	GlobalLastCallbackID = "last_callback_id"
	GlobalDispatchStatus = "dispatch_status"
)

const (
	globalHeap = iota
	globalLastResult
	globalLastCallbackID
	globalDispatchStatus
)

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

type options struct {
	stdout      string
	logMessage  string
	hostCall    string
	payload     []byte
	callbackID  uint64
	view        bool
	viewPtr     uint32
	viewLen     uint32
	exit        bool
	spin        bool
	exitCode    uint32
	brokenAlloc bool
	fixedAlloc  bool
	noDealloc   bool
	noMemory    bool
	initialize  bool
	preopen     bool
}

// Option customizes the reference guest.
type Option func(*options)

// WithStdout makes _start write msg to stdout through WASI fd_write.
func WithStdout(msg string) Option {
	return func(o *options) { o.stdout = msg }
}

// WithHostLog makes _start pass msg to blockless.host_log.
func WithHostLog(msg string) Option {
	return func(o *options) { o.logMessage = msg }
}

// WithHostCall makes _start dispatch payload through one of the blockless
// call imports: http_call, s3_call, ipfs_call (with callbackID) or
// host_call. The returned status is stored in the dispatch_status global.
func WithHostCall(name string, payload []byte, callbackID uint64) Option {
	return func(o *options) {
		o.hostCall = name
		o.payload = payload
		o.callbackID = callbackID
	}
}

// WithHostCallView is WithHostCall with an arbitrary (ptr, len) view
// passed to the import instead of an embedded payload.
func WithHostCallView(name string, ptr, length uint32, callbackID uint64) Option {
	return func(o *options) {
		o.hostCall = name
		o.callbackID = callbackID
		o.view = true
		o.viewPtr = ptr
		o.viewLen = length
	}
}

// WithExitCode makes _start finish with WASI proc_exit(code).
func WithExitCode(code uint32) Option {
	return func(o *options) {
		o.exit = true
		o.exitCode = code
	}
}

// WithBusyLoop makes _start loop forever after its other actions.
func WithBusyLoop() Option {
	return func(o *options) { o.spin = true }
}

// WithPreopenCheck makes _start describe preopen fd 3: the fd_prestat_get
// errno goes to dispatch_status, the name length to last_result and the
// name to PrestatNameOffset.
func WithPreopenCheck() Option {
	return func(o *options) { o.preopen = true }
}

// WithInitialize adds a reactor-style _initialize export that stores
// InitializedMarker in last_result.
func WithInitialize() Option {
	return func(o *options) { o.initialize = true }
}

// WithBrokenAlloc makes alloc return BrokenAllocPointer.
func WithBrokenAlloc() Option {
	return func(o *options) { o.brokenAlloc = true }
}

// WithFixedAlloc makes alloc return HeapBase for every request, like an
// allocator that hands back the region it freed last.
func WithFixedAlloc() Option {
	return func(o *options) { o.fixedAlloc = true }
}

// WithoutDealloc omits the dealloc export.
func WithoutDealloc() Option {
	return func(o *options) { o.noDealloc = true }
}

// WithoutMemoryExport keeps linear memory private to the guest.
func WithoutMemoryExport() Option {
	return func(o *options) { o.noMemory = true }
}

// New builds the reference guest. It always exports alloc, upper,
// array_sum, echo, _start and the four blockless callbacks; dealloc and
// memory unless removed by options.
//
// upper(ptr, len) -> ptr returns a fresh buffer of len bytes holding the
// ASCII upper-case of the input. array_sum(ptr, len) -> i32 sums the bytes.
// echo(ptr, len) -> (ptr, len) returns its arguments.
// Callbacks record their arguments in exported globals.
func New(opts ...Option) []byte {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if len(o.stdout) > maxStdout {
		o.stdout = o.stdout[:maxStdout]
	}
	if len(o.logMessage) > maxLog {
		o.logMessage = o.logMessage[:maxLog]
	}
	if len(o.payload) > maxPayload {
		o.payload = o.payload[:maxPayload]
	}

	m := &Module{MemoryPages: 1}
	if !o.noMemory {
		m.MemoryExport = "memory"
	}

	var hostLogIdx, hostCallIdx, fdWriteIdx, procExitIdx, prestatGetIdx, prestatNameIdx uint32
	addImport := func(module, name string, t FuncType) uint32 {
		m.Imports = append(m.Imports, Import{Module: module, Name: name, Type: t})
		return uint32(len(m.Imports) - 1)
	}
	if o.logMessage != "" {
		hostLogIdx = addImport("blockless", "host_log", FuncType{Params: []api.ValueType{i32, i32}})
	}
	switch o.hostCall {
	case "":
	case "host_call":
		hostCallIdx = addImport("blockless", o.hostCall, FuncType{
			Params:  []api.ValueType{i32, i32},
			Results: []api.ValueType{i32},
		})
	default:
		hostCallIdx = addImport("blockless", o.hostCall, FuncType{
			Params:  []api.ValueType{i32, i32, i64},
			Results: []api.ValueType{i32},
		})
	}
	if o.stdout != "" {
		fdWriteIdx = addImport("wasi_snapshot_preview1", "fd_write", FuncType{
			Params:  []api.ValueType{i32, i32, i32, i32},
			Results: []api.ValueType{i32},
		})
	}
	if o.preopen {
		prestatGetIdx = addImport("wasi_snapshot_preview1", "fd_prestat_get", FuncType{
			Params:  []api.ValueType{i32, i32},
			Results: []api.ValueType{i32},
		})
		prestatNameIdx = addImport("wasi_snapshot_preview1", "fd_prestat_dir_name", FuncType{
			Params:  []api.ValueType{i32, i32, i32},
			Results: []api.ValueType{i32},
		})
	}
	if o.exit {
		procExitIdx = addImport("wasi_snapshot_preview1", "proc_exit", FuncType{Params: []api.ValueType{i32}})
	}

	m.Globals = []Global{
		{Type: i32, Mutable: true, Init: HeapBase},
		{Export: GlobalLastResult, Type: i32, Mutable: true},
		{Export: GlobalLastCallbackID, Type: i32, Mutable: true, Init: -1},
		{Export: GlobalDispatchStatus, Type: i32, Mutable: true, Init: -1},
	}

	allocIdx := uint32(len(m.Imports))
	m.Funcs = append(m.Funcs, allocFunc(o))
	if !o.noDealloc {
		m.Funcs = append(m.Funcs, Func{
			Export: "dealloc",
			Type:   FuncType{Params: []api.ValueType{i32, i32}},
		})
	}
	m.Funcs = append(m.Funcs, upperFunc(allocIdx), arraySumFunc(), echoFunc())

	start := NewCode()
	if o.stdout != "" {
		iovec := make([]byte, 8)
		binary.LittleEndian.PutUint32(iovec[0:], StdoutOffset)
		binary.LittleEndian.PutUint32(iovec[4:], uint32(len(o.stdout)))
		m.Data = append(m.Data,
			Segment{Offset: IovecOffset, Data: iovec},
			Segment{Offset: StdoutOffset, Data: []byte(o.stdout)},
		)
		start.I32Const(1).I32Const(IovecOffset).I32Const(1).I32Const(NWrittenOffset).
			Call(fdWriteIdx).Drop()
	}
	if o.logMessage != "" {
		m.Data = append(m.Data, Segment{Offset: LogOffset, Data: []byte(o.logMessage)})
		start.I32Const(LogOffset).I32Const(int32(len(o.logMessage))).Call(hostLogIdx)
	}
	if o.hostCall != "" {
		if o.view {
			start.I32Const(int32(o.viewPtr)).I32Const(int32(o.viewLen))
		} else {
			m.Data = append(m.Data, Segment{Offset: PayloadOffset, Data: o.payload})
			start.I32Const(PayloadOffset).I32Const(int32(len(o.payload)))
		}
		if o.hostCall != "host_call" {
			start.I64Const(int64(o.callbackID))
		}
		start.Call(hostCallIdx).GlobalSet(globalDispatchStatus)
	}
	if o.preopen {
		const fd = 3
		start.I32Const(fd).I32Const(PrestatOffset).Call(prestatGetIdx).GlobalSet(globalDispatchStatus).
			I32Const(PrestatOffset + 4).I32Load().GlobalSet(globalLastResult).
			I32Const(fd).I32Const(PrestatNameOffset).I32Const(PrestatOffset + 4).I32Load().
			Call(prestatNameIdx).Drop()
	}
	if o.spin {
		start.Loop().Br(0).End()
	}
	if o.exit {
		start.I32Const(int32(o.exitCode)).Call(procExitIdx)
	}
	m.Funcs = append(m.Funcs, Func{Export: "_start", Body: start})
	if o.initialize {
		m.Funcs = append(m.Funcs, Func{
			Export: "_initialize",
			Body:   NewCode().I32Const(InitializedMarker).GlobalSet(globalLastResult),
		})
	}

	for _, name := range []string{"http_callback", "s3_callback", "ipfs_callback"} {
		m.Funcs = append(m.Funcs, Func{
			Export: name,
			Type:   FuncType{Params: []api.ValueType{i32, i64}},
			Body: NewCode().
				LocalGet(0).GlobalSet(globalLastResult).
				LocalGet(1).I32WrapI64().GlobalSet(globalLastCallbackID),
		})
	}
	m.Funcs = append(m.Funcs, Func{
		Export: "blockless_callback",
		Type:   FuncType{Params: []api.ValueType{i32}},
		Body:   NewCode().LocalGet(0).GlobalSet(globalLastResult),
	})

	return m.Encode()
}

// allocFunc bumps the heap global by size rounded up to 8 bytes.
func allocFunc(o options) Func {
	body := NewCode()
	switch {
	case o.brokenAlloc:
		// -16 is BrokenAllocPointer as a signed i32.
		body.I32Const(-16)
	case o.fixedAlloc:
		body.I32Const(HeapBase)
	default:
		body.GlobalGet(globalHeap).LocalSet(1).
			GlobalGet(globalHeap).LocalGet(0).I32Add().
			I32Const(7).I32Add().I32Const(-8).I32And().
			GlobalSet(globalHeap).
			LocalGet(1)
	}
	return Func{
		Export: "alloc",
		Type:   FuncType{Params: []api.ValueType{i32}, Results: []api.ValueType{i32}},
		Locals: []api.ValueType{i32},
		Body:   body,
	}
}

// upperFunc: params ptr(0) len(1); locals out(2) i(3) b(4).
func upperFunc(allocIdx uint32) Func {
	body := NewCode().
		LocalGet(1).Call(allocIdx).LocalSet(2).
		I32Const(0).LocalSet(3).
		Block().
		Loop().
		LocalGet(3).LocalGet(1).I32GeU().BrIf(1).
		LocalGet(0).LocalGet(3).I32Add().I32Load8U().LocalSet(4).
		LocalGet(4).I32Const('a').I32GeU().
		LocalGet(4).I32Const('z').I32LeU().
		I32And().
		If().
		LocalGet(4).I32Const(32).I32Sub().LocalSet(4).
		End().
		LocalGet(2).LocalGet(3).I32Add().LocalGet(4).I32Store8().
		LocalGet(3).I32Const(1).I32Add().LocalSet(3).
		Br(0).
		End().
		End().
		LocalGet(2)
	return Func{
		Export: "upper",
		Type:   FuncType{Params: []api.ValueType{i32, i32}, Results: []api.ValueType{i32}},
		Locals: []api.ValueType{i32, i32, i32},
		Body:   body,
	}
}

// arraySumFunc: params ptr(0) len(1); locals i(2) sum(3).
func arraySumFunc() Func {
	body := NewCode().
		Block().
		Loop().
		LocalGet(2).LocalGet(1).I32GeU().BrIf(1).
		LocalGet(3).
		LocalGet(0).LocalGet(2).I32Add().I32Load8U().
		I32Add().LocalSet(3).
		LocalGet(2).I32Const(1).I32Add().LocalSet(2).
		Br(0).
		End().
		End().
		LocalGet(3)
	return Func{
		Export: "array_sum",
		Type:   FuncType{Params: []api.ValueType{i32, i32}, Results: []api.ValueType{i32}},
		Locals: []api.ValueType{i32, i32},
		Body:   body,
	}
}

func echoFunc() Func {
	return Func{
		Export: "echo",
		Type:   FuncType{Params: []api.ValueType{i32, i32}, Results: []api.ValueType{i32, i32}},
		Body:   NewCode().LocalGet(0).LocalGet(1),
	}
}
