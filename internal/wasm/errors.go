package wasm

import (
	"errors"
	"fmt"
	"time"
)

// Sentinels matched by the marshalling errors through errors.Is.
var (
	ErrMissingCapability = errors.New("missing guest capability")
	ErrBoundsViolation   = errors.New("guest memory bounds violation")
)

// CompilationError occurs when Wasm module compilation fails
type CompilationError struct {
	ModuleName string
	Err        error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("failed to compile Wasm module '%s': %v", e.ModuleName, e.Err)
}

func (e *CompilationError) Unwrap() error {
	return e.Err
}

// InstantiationError occurs when module instantiation fails
type InstantiationError struct {
	ModuleName string
	InstanceID string
	Err        error
}

func (e *InstantiationError) Error() string {
	return fmt.Sprintf("failed to instantiate module '%s' (instance: %s): %v",
		e.ModuleName, e.InstanceID, e.Err)
}

func (e *InstantiationError) Unwrap() error {
	return e.Err
}

// ModuleNotFoundError occurs when a module is not in cache
type ModuleNotFoundError struct {
	ModuleName string
}

func (e *ModuleNotFoundError) Error() string {
	return fmt.Sprintf("module '%s' not found in cache", e.ModuleName)
}

// FunctionNotFoundError occurs when an exported function is missing
type FunctionNotFoundError struct {
	ModuleName   string
	FunctionName string
}

func (e *FunctionNotFoundError) Error() string {
	return fmt.Sprintf("function '%s' not found in module '%s'",
		e.FunctionName, e.ModuleName)
}

// MissingCapabilityError occurs when the guest lacks an export the
// marshalling contract needs, or exports it with the wrong signature.
type MissingCapabilityError struct {
	ModuleName string
	Capability string
	Reason     string
}

func (e *MissingCapabilityError) Error() string {
	return fmt.Sprintf("module '%s' is missing capability '%s': %s",
		e.ModuleName, e.Capability, e.Reason)
}

func (e *MissingCapabilityError) Is(target error) bool {
	return target == ErrMissingCapability
}

// BoundsViolationError occurs when a view [Offset, Offset+Length) falls
// outside the guest's linear memory.
type BoundsViolationError struct {
	Operation  string
	Offset     uint32
	Length     uint32
	MemorySize uint32
}

func (e *BoundsViolationError) Error() string {
	return fmt.Sprintf("%s out of bounds: [%d, %d) exceeds memory size %d",
		e.Operation, e.Offset, uint64(e.Offset)+uint64(e.Length), e.MemorySize)
}

func (e *BoundsViolationError) Is(target error) bool {
	return target == ErrBoundsViolation
}

// AllocationTrackingError is reported by the debug allocation tracker.
// Kind is "double-free" or "size-mismatch".
type AllocationTrackingError struct {
	Kind     string
	Offset   uint32
	Length   uint32
	Expected uint32
}

func (e *AllocationTrackingError) Error() string {
	if e.Kind == "size-mismatch" {
		return fmt.Sprintf("dealloc of %d with length %d, allocated with length %d",
			e.Offset, e.Length, e.Expected)
	}
	return fmt.Sprintf("%s of guest pointer %d (len=%d)", e.Kind, e.Offset, e.Length)
}

// HostFunctionError occurs when host function execution fails
type HostFunctionError struct {
	FunctionName string
	Err          error
}

func (e *HostFunctionError) Error() string {
	return fmt.Sprintf("host function '%s' failed: %v", e.FunctionName, e.Err)
}

func (e *HostFunctionError) Unwrap() error {
	return e.Err
}

// InstanceLimitError occurs when MaxInstances instances are already active
type InstanceLimitError struct {
	Limit int
}

func (e *InstanceLimitError) Error() string {
	return fmt.Sprintf("instance limit reached (%d active)", e.Limit)
}

// TimeoutError occurs when Wasm execution times out
type TimeoutError struct {
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Wasm execution timed out after %v", e.Duration)
}
