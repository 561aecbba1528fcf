package guestmod

// Opcodes used by the synthesized guests.
const (
	opBlock      = 0x02
	opLoop       = 0x03
	opIf         = 0x04
	opEnd        = 0x0b
	opBr         = 0x0c
	opBrIf       = 0x0d
	opCall       = 0x10
	opDrop       = 0x1a
	opLocalGet   = 0x20
	opLocalSet   = 0x21
	opGlobalGet  = 0x23
	opGlobalSet  = 0x24
	opI32Load    = 0x28
	opI32Load8U  = 0x2d
	opI32Store8  = 0x3a
	opI32Const   = 0x41
	opI64Const   = 0x42
	opI32LeU     = 0x4d
	opI32GeU     = 0x4f
	opI32Add     = 0x6a
	opI32Sub     = 0x6b
	opI32And     = 0x71
	opI32WrapI64 = 0xa7

	blockTypeEmpty = 0x40
)

// Code is an instruction sequence for a function body. Methods append one
// instruction each and return the receiver so bodies read top to bottom.
type Code struct {
	buf []byte
}

// NewCode starts an empty function body.
func NewCode() *Code {
	return &Code{}
}

func (c *Code) op(b ...byte) *Code {
	c.buf = append(c.buf, b...)
	return c
}

func (c *Code) LocalGet(i uint32) *Code  { return c.op(opLocalGet).op(encodeULEB128(i)...) }
func (c *Code) LocalSet(i uint32) *Code  { return c.op(opLocalSet).op(encodeULEB128(i)...) }
func (c *Code) GlobalGet(i uint32) *Code { return c.op(opGlobalGet).op(encodeULEB128(i)...) }
func (c *Code) GlobalSet(i uint32) *Code { return c.op(opGlobalSet).op(encodeULEB128(i)...) }
func (c *Code) Call(fn uint32) *Code     { return c.op(opCall).op(encodeULEB128(fn)...) }
func (c *Code) I32Const(v int32) *Code   { return c.op(opI32Const).op(encodeSLEB128(v)...) }
func (c *Code) I64Const(v int64) *Code   { return c.op(opI64Const).op(encodeSLEB128(v)...) }

// I32Load loads a 4-byte aligned i32 from the address on the stack.
func (c *Code) I32Load() *Code { return c.op(opI32Load, 0x02, 0x00) }

// I32Load8U loads one byte from the address on the stack, zero-extended.
func (c *Code) I32Load8U() *Code { return c.op(opI32Load8U, 0x00, 0x00) }

// I32Store8 stores the low byte of the value at the address below it.
func (c *Code) I32Store8() *Code { return c.op(opI32Store8, 0x00, 0x00) }

func (c *Code) I32Add() *Code     { return c.op(opI32Add) }
func (c *Code) I32Sub() *Code     { return c.op(opI32Sub) }
func (c *Code) I32And() *Code     { return c.op(opI32And) }
func (c *Code) I32LeU() *Code     { return c.op(opI32LeU) }
func (c *Code) I32GeU() *Code     { return c.op(opI32GeU) }
func (c *Code) I32WrapI64() *Code { return c.op(opI32WrapI64) }
func (c *Code) Drop() *Code       { return c.op(opDrop) }

func (c *Code) Block() *Code { return c.op(opBlock, blockTypeEmpty) }
func (c *Code) Loop() *Code  { return c.op(opLoop, blockTypeEmpty) }
func (c *Code) If() *Code    { return c.op(opIf, blockTypeEmpty) }
func (c *Code) End() *Code   { return c.op(opEnd) }

func (c *Code) Br(depth uint32) *Code   { return c.op(opBr).op(encodeULEB128(depth)...) }
func (c *Code) BrIf(depth uint32) *Code { return c.op(opBrIf).op(encodeULEB128(depth)...) }

// Bytes returns the body including the terminating end opcode.
func (c *Code) Bytes() []byte {
	out := make([]byte, len(c.buf), len(c.buf)+1)
	copy(out, c.buf)
	return append(out, opEnd)
}
