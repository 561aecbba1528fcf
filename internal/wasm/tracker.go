package wasm

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// AllocationTracker records which guest regions the host allocated and
// released. It is a debugging aid enabled by wasm.track_allocations: it
// catches double frees and length mismatches before they reach the guest
// allocator, and reports host allocations still live when an instance
// closes.
//
// The tracker sees allocations made through CopyMemory and regions adopted
// with AdoptGuestBuffer. Buffers the guest returns must be adopted before
// they are released, since the guest allocator may reuse freed offsets.
//
// All methods are safe on a nil receiver, which disables tracking.
type AllocationTracker struct {
	mu     sync.Mutex
	live   map[uint32]uint32
	freed  map[uint32]uint32
	logger *zap.Logger
}

// NewAllocationTracker creates an empty tracker.
func NewAllocationTracker(logger *zap.Logger) *AllocationTracker {
	return &AllocationTracker{
		live:   make(map[uint32]uint32),
		freed:  make(map[uint32]uint32),
		logger: logger.With(zap.String("component", "wasm-alloc-tracker")),
	}
}

// allocated records a host-owned region returned by alloc or adopted
// from the guest.
func (t *AllocationTracker) allocated(ptr, length uint32) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.freed, ptr)
	t.live[ptr] = length
}

// handedOff forgets a region whose ownership moved to the guest.
func (t *AllocationTracker) handedOff(ptr uint32) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.freed, ptr)
	delete(t.live, ptr)
}

// release validates and records a dealloc.
func (t *AllocationTracker) release(ptr, length uint32) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.freed[ptr]; ok {
		t.logger.Error("Double free of guest memory",
			zap.Uint32("ptr", ptr),
			zap.Uint32("length", length),
		)
		return &AllocationTrackingError{Kind: "double-free", Offset: ptr, Length: length, Expected: prev}
	}
	if want, ok := t.live[ptr]; ok && want != length {
		t.logger.Error("Dealloc length does not match allocation",
			zap.Uint32("ptr", ptr),
			zap.Uint32("length", length),
			zap.Uint32("allocated", want),
		)
		return &AllocationTrackingError{Kind: "size-mismatch", Offset: ptr, Length: length, Expected: want}
	}

	delete(t.live, ptr)
	t.freed[ptr] = length
	return nil
}

// Outstanding returns the offsets of host allocations not yet released,
// in ascending order.
func (t *AllocationTracker) Outstanding() []uint32 {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]uint32, 0, len(t.live))
	for ptr := range t.live {
		out = append(out, ptr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ReportLeaks logs every outstanding allocation and returns how many
// there were.
func (t *AllocationTracker) ReportLeaks(instanceID string) int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for ptr, length := range t.live {
		t.logger.Warn("Guest memory allocated by host was never released",
			zap.String("instance_id", instanceID),
			zap.Uint32("ptr", ptr),
			zap.Uint32("length", length),
		)
	}
	return len(t.live)
}
