// Package wasm is the guest side of the blockless marshalling convention
// for Go programs built with GOOS=wasip1 GOARCH=wasm.
//
// A guest exports its linear memory together with
//
//	alloc(size uint32) uint32
//	dealloc(ptr, size uint32)
//
// and the host moves every byte buffer through them: it calls alloc, writes
// into the returned region, hands the guest a (ptr, len) view and later
// calls dealloc with the same size. Buffers the host produces for the guest
// (callback results, dispatch errors) are length-prefixed: a little-endian
// u32 length followed by the data, allocated as length+4 bytes and owned by
// the guest once delivered.
//
// Importing this package provides alloc and dealloc, and wraps the
// blockless imports (host_log, http_call, s3_call, ipfs_call, host_call).
// Extension results arrive asynchronously through the http_callback,
// s3_callback, ipfs_callback and blockless_callback exports, which this
// package also provides and routes to the Callback given at dispatch.
//
// Callbacks are delivered after the export that dispatched them returns,
// so guests that use extensions are built as reactors:
//
//	GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared -o fn.wasm
package wasm
