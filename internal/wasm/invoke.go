package wasm

import (
	"context"
	"fmt"
)

// ResultConvention says how a business export returns its output.
type ResultConvention string

const (
	// ResultRaw: the export's return values are the result.
	ResultRaw ResultConvention = "raw"
	// ResultSameLength: the export returns a pointer to an output of the
	// same length as the input (upper-casing, in-place transforms).
	ResultSameLength ResultConvention = "same-length"
	// ResultPtrLen: the export returns (ptr, len).
	ResultPtrLen ResultConvention = "ptr-len"
	// ResultLengthPrefixed: the export returns a pointer to a u32 length
	// followed by the data.
	ResultLengthPrefixed ResultConvention = "length-prefixed"
)

// ParseResultConvention validates a convention name.
func ParseResultConvention(s string) (ResultConvention, error) {
	switch c := ResultConvention(s); c {
	case ResultRaw, ResultSameLength, ResultPtrLen, ResultLengthPrefixed:
		return c, nil
	case "":
		return ResultRaw, nil
	default:
		return "", fmt.Errorf("unknown result convention %q", s)
	}
}

// InvokeResult is the outcome of Invoke.
type InvokeResult struct {
	// Data is the decoded output buffer; nil for ResultRaw.
	Data []byte
	// Values are the export's raw return values.
	Values []uint64
}

// Invoke runs a business export over a byte buffer: the input is copied
// into guest memory, the export is called with (ptr, len), the output is
// read back according to conv, and both buffers are returned to the guest
// allocator. The input is released on every exit except a trap, after
// which the guest allocator is not called again.
func (i *Instance) Invoke(ctx context.Context, name string, input []byte, conv ResultConvention) (*InvokeResult, error) {
	res := &InvokeResult{}
	err := i.run(ctx, "wasm.invoke", name, func(ctx context.Context) (err error) {
		g, err := i.Guest()
		if err != nil {
			return err
		}
		fn, err := i.function(name)
		if err != nil {
			return err
		}

		inPtr, err := CopyMemory(ctx, g, input)
		if err != nil {
			return err
		}
		inLen := uint32(len(input))

		releaseInput := true
		defer func() {
			if !releaseInput {
				return
			}
			if derr := DeallocGuestMemory(ctx, g, inPtr, inLen); err == nil {
				err = derr
			}
		}()

		values, err := fn.Call(ctx, uint64(inPtr), uint64(inLen))
		if err != nil {
			releaseInput = false
			return err
		}
		res.Values = values

		if conv == ResultRaw {
			return nil
		}
		if len(values) == 0 {
			return fmt.Errorf("%s returned no values, want a pointer", name)
		}
		outPtr := uint32(values[0])
		var outLen uint32
		switch conv {
		case ResultSameLength:
			outLen = inLen
			res.Data, err = ReadBytes(g, outPtr, outLen)
		case ResultPtrLen:
			if len(values) < 2 {
				return fmt.Errorf("%s returned %d values, want (ptr, len)", name, len(values))
			}
			outLen = uint32(values[1])
			res.Data, err = ReadBytes(g, outPtr, outLen)
		case ResultLengthPrefixed:
			res.Data, err = ReadLengthPrefixed(g, outPtr)
			outLen = uint32(len(res.Data)) + lengthPrefixSize
		default:
			return fmt.Errorf("unknown result convention %q", conv)
		}
		if err != nil {
			return err
		}
		if outPtr == inPtr {
			return nil
		}
		if err := AdoptGuestBuffer(g, outPtr, outLen); err != nil {
			return err
		}
		return DeallocGuestMemory(ctx, g, outPtr, outLen)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// InvokeString is Invoke for UTF-8 text in and out.
func (i *Instance) InvokeString(ctx context.Context, name, input string, conv ResultConvention) (string, error) {
	res, err := i.Invoke(ctx, name, []byte(input), conv)
	if err != nil {
		return "", err
	}
	return string(res.Data), nil
}
