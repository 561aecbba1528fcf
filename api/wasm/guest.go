//go:build wasip1

package wasm

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/blocklessnetwork/bls-runtime-go/pkg/protocol"
)

// Callback receives the result of an extension call.
type Callback func(data []byte, err error)

var (
	// Buffers handed out by alloc stay reachable here until dealloc.
	pinnedMu sync.Mutex
	pinned   = map[uint32][]byte{}

	callbacksMu sync.Mutex
	nextID      uint64
	callbacks   = map[uint64]Callback{}

	// host_call results carry no id; they complete in dispatch order.
	moduleWaiters = map[string][]Callback{}
)

//go:wasmexport alloc
func alloc(size uint32) uint32 {
	buf := make([]byte, max(size, 1))
	ptr := addr(buf)
	pinnedMu.Lock()
	pinned[ptr] = buf
	pinnedMu.Unlock()
	return ptr
}

//go:wasmexport dealloc
func dealloc(ptr, size uint32) {
	pinnedMu.Lock()
	delete(pinned, ptr)
	pinnedMu.Unlock()
}

//go:wasmimport blockless host_log
func hostLog(ptr, length uint32)

//go:wasmimport blockless http_call
func httpCall(ptr, length uint32, callbackID uint64) uint32

//go:wasmimport blockless s3_call
func s3Call(ptr, length uint32, callbackID uint64) uint32

//go:wasmimport blockless ipfs_call
func ipfsCall(ptr, length uint32, callbackID uint64) uint32

//go:wasmimport blockless host_call
func hostCall(ptr, length uint32) uint32

//go:wasmexport http_callback
func httpCallback(ptr uint32, callbackID uint64) { complete(callbackID, ptr) }

//go:wasmexport s3_callback
func s3Callback(ptr uint32, callbackID uint64) { complete(callbackID, ptr) }

//go:wasmexport ipfs_callback
func ipfsCallback(ptr uint32, callbackID uint64) { complete(callbackID, ptr) }

//go:wasmexport blockless_callback
func blocklessCallback(ptr uint32) {
	payload, ok := take(ptr)
	if !ok {
		return
	}
	module, data, err := DecodeModuleResponse(payload)

	callbacksMu.Lock()
	var cb Callback
	if q := moduleWaiters[module]; len(q) > 0 {
		cb = q[0]
		moduleWaiters[module] = q[1:]
	}
	callbacksMu.Unlock()

	if cb != nil {
		cb(data, err)
	}
}

func addr(b []byte) uint32 {
	return uint32(uintptr(unsafe.Pointer(unsafe.SliceData(b))))
}

// view returns the (ptr, len) pair of b. Callers keep b alive across the
// host call.
func view(b []byte) (uint32, uint32) {
	if len(b) == 0 {
		return 0, 0
	}
	return addr(b), uint32(len(b))
}

// take reclaims a length-prefixed buffer the host wrote through alloc.
func take(ptr uint32) ([]byte, bool) {
	pinnedMu.Lock()
	buf, ok := pinned[ptr]
	delete(pinned, ptr)
	pinnedMu.Unlock()
	if !ok {
		return nil, false
	}
	data, err := ParseLengthPrefixed(buf)
	return data, err == nil
}

func complete(id uint64, ptr uint32) {
	callbacksMu.Lock()
	cb := callbacks[id]
	delete(callbacks, id)
	callbacksMu.Unlock()

	payload, ok := take(ptr)
	if cb == nil {
		return
	}
	if !ok {
		cb(nil, errors.New("callback result not found in guest memory"))
		return
	}
	cb(DecodeCallResult(payload))
}

// Input returns the buffer behind a (ptr, len) view the host passed to a
// business export.
func Input(ptr, length uint32) []byte {
	pinnedMu.Lock()
	buf, ok := pinned[ptr]
	pinnedMu.Unlock()
	if ok && int(length) <= len(buf) {
		return buf[:length]
	}
	if length == 0 {
		return nil
	}
	// Linear memory starts at address 0 and never moves, so a guest offset
	// is the address of the byte.
	return unsafe.Slice((*byte)(unsafe.Add(unsafe.Pointer(nil), ptr)), length)
}

// Output copies data into a host-visible buffer for the ptr-len result
// convention. The host deallocates it.
func Output(data []byte) (ptr, length uint32) {
	ptr = alloc(uint32(len(data)))
	pinnedMu.Lock()
	copy(pinned[ptr], data)
	pinnedMu.Unlock()
	return ptr, uint32(len(data))
}

// OutputLengthPrefixed is Output for the length-prefixed convention.
func OutputLengthPrefixed(data []byte) uint32 {
	framed := AppendLengthPrefixed(make([]byte, 0, LengthPrefixSize+len(data)), data)
	ptr, _ := Output(framed)
	return ptr
}

// Log sends msg to the host log.
func Log(msg string) {
	b := []byte(msg)
	ptr, n := view(b)
	hostLog(ptr, n)
	runtime.KeepAlive(b)
}

// Logf formats and logs a message.
func Logf(format string, args ...any) {
	Log(fmt.Sprintf(format, args...))
}

// HTTP dispatches req; cb runs once the response is available.
func HTTP(req protocol.HTTPRequest, cb Callback) error {
	return dispatch(req, cb, httpCall)
}

// S3 dispatches an S3 command.
func S3(cmd protocol.S3Command, cb Callback) error {
	return dispatch(cmd, cb, s3Call)
}

// IPFS dispatches an IPFS MFS command.
func IPFS(cmd protocol.IPFSCommand, cb Callback) error {
	return dispatch(cmd, cb, ipfsCall)
}

// Call dispatches params to module through host_call.
func Call(module string, params any, cb Callback) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	body, err := json.Marshal(protocol.ModuleCall{Module: module, Params: raw})
	if err != nil {
		return err
	}

	callbacksMu.Lock()
	moduleWaiters[module] = append(moduleWaiters[module], cb)
	callbacksMu.Unlock()

	ptr, n := view(body)
	status := hostCall(ptr, n)
	runtime.KeepAlive(body)
	if status != 0 {
		callbacksMu.Lock()
		if q := moduleWaiters[module]; len(q) > 0 {
			moduleWaiters[module] = q[:len(q)-1]
		}
		callbacksMu.Unlock()
		return statusError(status)
	}
	return nil
}

func dispatch(payload any, cb Callback, call func(ptr, length uint32, callbackID uint64) uint32) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	callbacksMu.Lock()
	nextID++
	id := nextID
	callbacks[id] = cb
	callbacksMu.Unlock()

	ptr, n := view(body)
	status := call(ptr, n, id)
	runtime.KeepAlive(body)
	if status != 0 {
		callbacksMu.Lock()
		delete(callbacks, id)
		callbacksMu.Unlock()
		return statusError(status)
	}
	return nil
}

// statusError reads the length-prefixed message a failed dispatch returns.
func statusError(status uint32) error {
	msg, ok := take(status)
	if !ok {
		return fmt.Errorf("host call failed (status %#x)", status)
	}
	return errors.New(string(msg))
}
