package wasm

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/blocklessnetwork/bls-runtime-go/pkg/protocol"
)

// LengthPrefixSize is the size of the u32 length header.
const LengthPrefixSize = 4

// ErrShortBuffer is returned for buffers shorter than their header says.
var ErrShortBuffer = errors.New("length-prefixed buffer is truncated")

// AppendLengthPrefixed appends the framed form of data to dst.
func AppendLengthPrefixed(dst, data []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(data)))
	return append(dst, data...)
}

// ParseLengthPrefixed returns the data of a framed buffer. The result
// aliases buf.
func ParseLengthPrefixed(buf []byte) ([]byte, error) {
	if len(buf) < LengthPrefixSize {
		return nil, ErrShortBuffer
	}
	n := binary.LittleEndian.Uint32(buf)
	if uint64(n) > uint64(len(buf)-LengthPrefixSize) {
		return nil, fmt.Errorf("%w: header says %d, have %d", ErrShortBuffer, n, len(buf)-LengthPrefixSize)
	}
	return buf[LengthPrefixSize : LengthPrefixSize+int(n)], nil
}

// DecodeCallResult decodes the JSON CallResult handed to a callback.
func DecodeCallResult(payload []byte) ([]byte, error) {
	var res protocol.CallResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("decode call result: %w", err)
	}
	return res.Result()
}

// DecodeModuleResponse decodes the envelope handed to blockless_callback.
func DecodeModuleResponse(payload []byte) (string, []byte, error) {
	var resp protocol.ModuleCallResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return "", nil, fmt.Errorf("decode module response: %w", err)
	}
	data, err := resp.Response.Result()
	return resp.Module, data, err
}
