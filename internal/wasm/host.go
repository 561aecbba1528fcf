package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/blocklessnetwork/bls-runtime-go/internal/tracer"
	"github.com/blocklessnetwork/bls-runtime-go/pkg/protocol"
)

// CallKind identifies which extension a guest call targets.
type CallKind string

const (
	CallHTTP   CallKind = "http"
	CallS3     CallKind = "s3"
	CallIPFS   CallKind = "ipfs"
	CallModule CallKind = "module"
)

// CallbackExport returns the guest export that receives results of k.
func (k CallKind) CallbackExport() string {
	switch k {
	case CallHTTP:
		return "http_callback"
	case CallS3:
		return "s3_callback"
	case CallIPFS:
		return "ipfs_callback"
	default:
		return "blockless_callback"
	}
}

// HostCall is one extension request read from guest memory.
type HostCall struct {
	Kind       CallKind
	InstanceID string
	// Module is the envelope module name for CallModule ("Http", "S3", "Ipfs").
	Module      string
	Payload     []byte
	Permissions []string
}

// HostCallHandler executes extension calls on behalf of guests.
// ValidateHostCall runs synchronously inside the guest's import call;
// HandleHostCall runs on a worker goroutine and its result is delivered to
// the guest's callback export later.
type HostCallHandler interface {
	ValidateHostCall(ctx context.Context, call HostCall) error
	HandleHostCall(ctx context.Context, call HostCall) ([]byte, error)
}

var errNoSession = errors.New("host function called outside an instance invocation")

// HostFunctions implements the blockless host module.
type HostFunctions struct {
	handler HostCallHandler
	logger  *zap.Logger
}

// NewHostFunctions creates the blockless host functions. A nil handler
// rejects every extension call.
func NewHostFunctions(handler HostCallHandler, logger *zap.Logger) *HostFunctions {
	return &HostFunctions{
		handler: handler,
		logger:  logger.With(zap.String("component", "wasm-host")),
	}
}

// export registers Go functions for import by Wasm modules.
func (h *HostFunctions) export(builder wazero.HostModuleBuilder) {
	builder.NewFunctionBuilder().
		WithFunc(h.hostLog).
		WithParameterNames("ptr", "len").
		Export("host_log")

	builder.NewFunctionBuilder().
		WithFunc(h.hostCall).
		WithParameterNames("ptr", "len").
		WithResultNames("result_ptr").
		Export("host_call")

	builder.NewFunctionBuilder().
		WithFunc(h.httpCall).
		WithParameterNames("ptr", "len", "callback_id").
		WithResultNames("result_ptr").
		Export("http_call")

	builder.NewFunctionBuilder().
		WithFunc(h.s3Call).
		WithParameterNames("ptr", "len", "callback_id").
		WithResultNames("result_ptr").
		Export("s3_call")

	builder.NewFunctionBuilder().
		WithFunc(h.ipfsCall).
		WithParameterNames("ptr", "len", "callback_id").
		WithResultNames("result_ptr").
		Export("ipfs_call")
}

// session returns the invoking instance or aborts the guest call.
func (h *HostFunctions) session(ctx context.Context, mod api.Module, fn string) *Instance {
	inst := instanceFrom(ctx)
	if inst == nil {
		h.logger.Error("Host function called without session",
			zap.String("function", fn),
			zap.String("module", mod.Name()),
		)
		panic(&HostFunctionError{FunctionName: fn, Err: errNoSession})
	}
	if inst.guest == nil {
		inst.abort(&HostFunctionError{FunctionName: fn, Err: inst.guestErr})
	}
	return inst
}

// hostLog is called by Wasm modules to log a UTF-8 message.
// Signature: host_log(ptr, len)
func (h *HostFunctions) hostLog(ctx context.Context, mod api.Module, ptr, length uint32) {
	inst := h.session(ctx, mod, "host_log")

	msg, err := ReadString(inst.guest, ptr, length)
	if err != nil {
		inst.abort(err)
	}
	inst.logger.Info(msg, zap.String("source", "guest"))
}

// hostCall dispatches a protocol.ModuleCall envelope.
// Signature: host_call(ptr, len) -> result_ptr
func (h *HostFunctions) hostCall(ctx context.Context, mod api.Module, ptr, length uint32) uint32 {
	return h.dispatch(ctx, mod, CallModule, ptr, length, 0)
}

// httpCall dispatches a protocol.HTTPRequest.
// Signature: http_call(ptr, len, callback_id) -> result_ptr
func (h *HostFunctions) httpCall(ctx context.Context, mod api.Module, ptr, length uint32, callbackID uint64) uint32 {
	return h.dispatch(ctx, mod, CallHTTP, ptr, length, callbackID)
}

// s3Call dispatches a protocol.S3Command.
func (h *HostFunctions) s3Call(ctx context.Context, mod api.Module, ptr, length uint32, callbackID uint64) uint32 {
	return h.dispatch(ctx, mod, CallS3, ptr, length, callbackID)
}

// ipfsCall dispatches a protocol.IPFSCommand.
func (h *HostFunctions) ipfsCall(ctx context.Context, mod api.Module, ptr, length uint32, callbackID uint64) uint32 {
	return h.dispatch(ctx, mod, CallIPFS, ptr, length, callbackID)
}

// dispatch reads and validates a call, queues it and returns 0. A call
// that cannot be queued is answered with the offset of a length-prefixed
// error message instead.
func (h *HostFunctions) dispatch(ctx context.Context, mod api.Module, kind CallKind, ptr, length uint32, callbackID uint64) uint32 {
	fn := string(kind) + "_call"
	if kind == CallModule {
		fn = "host_call"
	}
	inst := h.session(ctx, mod, fn)

	if length > inst.maxRequestSize {
		return h.reject(ctx, inst, kind, fmt.Errorf("request of %d bytes exceeds limit of %d", length, inst.maxRequestSize))
	}
	payload, err := ReadBytes(inst.guest, ptr, length)
	if err != nil {
		inst.abort(err)
	}

	call := HostCall{
		Kind:        kind,
		InstanceID:  inst.ID,
		Payload:     payload,
		Permissions: inst.permissions,
	}
	if kind == CallModule {
		var envelope protocol.ModuleCall
		if err := json.Unmarshal(payload, &envelope); err != nil {
			return h.reject(ctx, inst, kind, fmt.Errorf("invalid module call: %w", err))
		}
		call.Module = envelope.Module
		call.Payload = envelope.Params
	}

	if h.handler == nil {
		return h.reject(ctx, inst, kind, errors.New("no extension handler configured"))
	}
	if err := h.handler.ValidateHostCall(ctx, call); err != nil {
		return h.reject(ctx, inst, kind, err)
	}
	if inst.module.ExportedFunction(kind.CallbackExport()) == nil {
		return h.reject(ctx, inst, kind, &MissingCapabilityError{
			ModuleName: inst.Name,
			Capability: kind.CallbackExport(),
			Reason:     "callback is not exported",
		})
	}
	if err := inst.calls.reserve(); err != nil {
		return h.reject(ctx, inst, kind, err)
	}

	inst.logger.Debug("Host call dispatched",
		zap.String("kind", string(kind)),
		zap.Uint64("callback_id", callbackID),
		zap.Int("payload_len", len(call.Payload)),
	)

	done := inst.calls.done
	jobCtx := inst.jobCtx
	go func() {
		spanCtx, span := tracer.StartSpan(jobCtx, "hostcall."+string(kind),
			trace.WithAttributes(
				tracer.StringAttr("instance_id", call.InstanceID),
				tracer.IntAttr("payload_len", len(call.Payload)),
			))
		data, err := h.handler.HandleHostCall(spanCtx, call)
		tracer.End(span, err)
		done <- completion{
			kind:       kind,
			module:     call.Module,
			callbackID: callbackID,
			data:       data,
			err:        err,
		}
	}()

	return 0
}

// reject answers a failed dispatch with a length-prefixed error message
// the guest owns and frees.
func (h *HostFunctions) reject(ctx context.Context, inst *Instance, kind CallKind, cause error) uint32 {
	inst.logger.Warn("Host call rejected",
		zap.String("kind", string(kind)),
		zap.Error(cause),
	)
	ptr, err := WriteLengthPrefixed(ctx, inst.guest, []byte(cause.Error()))
	if err != nil {
		inst.abort(err)
	}
	return ptr
}
