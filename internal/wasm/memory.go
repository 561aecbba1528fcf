package wasm

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Buffers cross the host/guest boundary as (offset, length) views into the
// guest's linear memory. The guest owns that memory: the host asks it for a
// region with alloc, fills it, and hands it back with dealloc. Every view is
// checked against the memory size at the moment of access, since the guest
// may grow memory between calls.

// lengthPrefixSize is the u32 little-endian header of a length-prefixed buffer.
const lengthPrefixSize = 4

// checkBounds fails unless [offset, offset+length) lies inside the memory.
func checkBounds(g *Guest, op string, offset, length uint32) error {
	size := g.memory.Size()
	if uint64(offset)+uint64(length) > uint64(size) {
		return &BoundsViolationError{Operation: op, Offset: offset, Length: length, MemorySize: size}
	}
	return nil
}

func requireGuest(g *Guest, capability string) error {
	if g == nil {
		return &MissingCapabilityError{Capability: capability, Reason: "guest capabilities were not validated"}
	}
	return nil
}

// CopyMemory asks the guest to allocate len(data) bytes, copies data into
// the returned region and returns its offset. The caller owns the region
// and must release it with DeallocGuestMemory.
//
// Empty data still calls alloc(0) and returns the guest's pointer.
func CopyMemory(ctx context.Context, g *Guest, data []byte) (uint32, error) {
	ptr, err := copyMemory(ctx, g, "copyMemory", data)
	if err != nil {
		return 0, err
	}
	g.tracker.allocated(ptr, uint32(len(data)))
	return ptr, nil
}

func copyMemory(ctx context.Context, g *Guest, op string, data []byte) (uint32, error) {
	if err := requireGuest(g, ExportAlloc); err != nil {
		return 0, err
	}
	if uint64(len(data)) > math.MaxUint32 {
		return 0, &BoundsViolationError{Operation: op, Length: math.MaxUint32, MemorySize: g.memory.Size()}
	}
	length := uint32(len(data))

	results, err := g.alloc.Call(ctx, uint64(length))
	if err != nil {
		return 0, fmt.Errorf("guest alloc(%d) failed: %w", length, err)
	}
	ptr := uint32(results[0])

	if err := checkBounds(g, op, ptr, length); err != nil {
		return 0, err
	}
	if length > 0 && !g.memory.Write(ptr, data) {
		return 0, &BoundsViolationError{Operation: op, Offset: ptr, Length: length, MemorySize: g.memory.Size()}
	}
	return ptr, nil
}

// ReadBytes returns a copy of [ptr, ptr+length) of guest memory.
func ReadBytes(g *Guest, ptr, length uint32) ([]byte, error) {
	if err := requireGuest(g, ExportMemory); err != nil {
		return nil, err
	}
	if err := checkBounds(g, "readBytes", ptr, length); err != nil {
		return nil, err
	}
	view, ok := g.memory.Read(ptr, length)
	if !ok {
		return nil, &BoundsViolationError{Operation: "readBytes", Offset: ptr, Length: length, MemorySize: g.memory.Size()}
	}
	// view aliases guest memory and is invalidated by the next guest call.
	out := make([]byte, len(view))
	copy(out, view)
	return out, nil
}

// ReadString decodes [ptr, ptr+length) of guest memory as UTF-8. Invalid
// sequences are replaced with U+FFFD. Guest memory is not modified.
func ReadString(g *Guest, ptr, length uint32) (string, error) {
	b, err := ReadBytes(g, ptr, length)
	if err != nil {
		return "", err
	}
	return strings.ToValidUTF8(string(b), "\uFFFD"), nil
}

// DeallocGuestMemory returns [ptr, ptr+length) to the guest allocator.
// Each region must be released exactly once; with allocation tracking on,
// a repeated release is reported instead of reaching the guest.
func DeallocGuestMemory(ctx context.Context, g *Guest, ptr, length uint32) error {
	if err := requireGuest(g, ExportDealloc); err != nil {
		return err
	}
	if err := g.tracker.release(ptr, length); err != nil {
		return err
	}
	if _, err := g.dealloc.Call(ctx, uint64(ptr), uint64(length)); err != nil {
		return fmt.Errorf("guest dealloc(%d, %d) failed: %w", ptr, length, err)
	}
	return nil
}

// AdoptGuestBuffer takes ownership of [ptr, ptr+length), a region the guest
// allocated and returned to the host. The caller releases it with
// DeallocGuestMemory. With allocation tracking on, adopting a pointer the
// guest allocator reused clears its freed record.
func AdoptGuestBuffer(g *Guest, ptr, length uint32) error {
	if err := requireGuest(g, ExportDealloc); err != nil {
		return err
	}
	if err := checkBounds(g, "adoptGuestBuffer", ptr, length); err != nil {
		return err
	}
	g.tracker.allocated(ptr, length)
	return nil
}

// WriteLengthPrefixed allocates len(data)+4 bytes in the guest and writes
// the u32 little-endian length followed by data. Ownership passes to the
// guest, which frees len(data)+4 bytes at the returned offset.
func WriteLengthPrefixed(ctx context.Context, g *Guest, data []byte) (uint32, error) {
	if err := requireGuest(g, ExportAlloc); err != nil {
		return 0, err
	}
	if uint64(len(data))+lengthPrefixSize > math.MaxUint32 {
		return 0, &BoundsViolationError{Operation: "writeLengthPrefixed", Length: math.MaxUint32, MemorySize: g.memory.Size()}
	}
	buf := make([]byte, lengthPrefixSize+len(data))
	binary.LittleEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[lengthPrefixSize:], data)

	ptr, err := copyMemory(ctx, g, "writeLengthPrefixed", buf)
	if err != nil {
		return 0, err
	}
	g.tracker.handedOff(ptr)
	return ptr, nil
}

// ReadLengthPrefixed reads a buffer written in the WriteLengthPrefixed
// layout at ptr. It returns the payload without the header.
func ReadLengthPrefixed(g *Guest, ptr uint32) ([]byte, error) {
	if err := requireGuest(g, ExportMemory); err != nil {
		return nil, err
	}
	if err := checkBounds(g, "readLengthPrefixed", ptr, lengthPrefixSize); err != nil {
		return nil, err
	}
	length, ok := g.memory.ReadUint32Le(ptr)
	if !ok {
		return nil, &BoundsViolationError{Operation: "readLengthPrefixed", Offset: ptr, Length: lengthPrefixSize, MemorySize: g.memory.Size()}
	}
	return ReadBytes(g, ptr+lengthPrefixSize, length)
}
