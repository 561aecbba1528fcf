// Package guestmod assembles small WebAssembly guest modules in Go.
//
// The runtime's tests and the blsrun self-test need guests that honor the
// marshalling contract (exported memory, alloc, dealloc, business exports,
// blockless imports) without an external compiler toolchain. Module is a
// minimal binary assembler; New builds the reference guest from options.
package guestmod

import (
	"github.com/tetratelabs/wazero/api"
)

const (
	sectionType     = 0x01
	sectionImport   = 0x02
	sectionFunction = 0x03
	sectionMemory   = 0x05
	sectionGlobal   = 0x06
	sectionExport   = 0x07
	sectionCode     = 0x0a
	sectionData     = 0x0b

	externFunc   = 0x00
	externMemory = 0x02
	externGlobal = 0x03

	funcTypeForm = 0x60
)

// FuncType is a function signature.
type FuncType struct {
	Params  []api.ValueType
	Results []api.ValueType
}

func (t FuncType) encode() []byte {
	out := []byte{funcTypeForm}
	out = append(out, encodeULEB128(uint32(len(t.Params)))...)
	for _, p := range t.Params {
		out = append(out, byte(p))
	}
	out = append(out, encodeULEB128(uint32(len(t.Results)))...)
	for _, r := range t.Results {
		out = append(out, byte(r))
	}
	return out
}

// Import is an imported function.
type Import struct {
	Module string
	Name   string
	Type   FuncType
}

// Func is a function defined by the module. Export is empty for
// functions that are not exported.
type Func struct {
	Export string
	Type   FuncType
	Locals []api.ValueType
	Body   *Code
}

// Global is a module-defined i32 or i64 global.
type Global struct {
	Export  string
	Type    api.ValueType
	Mutable bool
	Init    int64
}

// Segment is an active data segment in memory 0.
type Segment struct {
	Offset uint32
	Data   []byte
}

// Module describes a WebAssembly module. Function indices count imports
// first, then Funcs in order.
type Module struct {
	Imports      []Import
	Funcs        []Func
	MemoryPages  uint32
	MemoryExport string
	Globals      []Global
	Data         []Segment
}

// Encode returns the binary form of the module.
func (m *Module) Encode() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	// One type per import and function keeps the index math trivial.
	var types [][]byte
	for _, imp := range m.Imports {
		types = append(types, imp.Type.encode())
	}
	for _, fn := range m.Funcs {
		types = append(types, fn.Type.encode())
	}
	if len(types) > 0 {
		out = append(out, section(sectionType, vector(types))...)
	}

	if len(m.Imports) > 0 {
		imports := make([][]byte, 0, len(m.Imports))
		for i, imp := range m.Imports {
			entry := encodeName(imp.Module)
			entry = append(entry, encodeName(imp.Name)...)
			entry = append(entry, externFunc)
			entry = append(entry, encodeULEB128(uint32(i))...)
			imports = append(imports, entry)
		}
		out = append(out, section(sectionImport, vector(imports))...)
	}

	if len(m.Funcs) > 0 {
		funcs := make([][]byte, 0, len(m.Funcs))
		for i := range m.Funcs {
			funcs = append(funcs, encodeULEB128(uint32(len(m.Imports)+i)))
		}
		out = append(out, section(sectionFunction, vector(funcs))...)
	}

	if m.MemoryPages > 0 {
		mem := append([]byte{0x00}, encodeULEB128(m.MemoryPages)...)
		out = append(out, section(sectionMemory, vector([][]byte{mem}))...)
	}

	if len(m.Globals) > 0 {
		globals := make([][]byte, 0, len(m.Globals))
		for _, g := range m.Globals {
			entry := []byte{byte(g.Type), 0x00}
			if g.Mutable {
				entry[1] = 0x01
			}
			if g.Type == api.ValueTypeI64 {
				entry = append(entry, opI64Const)
				entry = append(entry, encodeSLEB128(g.Init)...)
			} else {
				entry = append(entry, opI32Const)
				entry = append(entry, encodeSLEB128(int32(g.Init))...)
			}
			globals = append(globals, append(entry, opEnd))
		}
		out = append(out, section(sectionGlobal, vector(globals))...)
	}

	var exports [][]byte
	if m.MemoryPages > 0 && m.MemoryExport != "" {
		exports = append(exports, exportEntry(m.MemoryExport, externMemory, 0))
	}
	for i, fn := range m.Funcs {
		if fn.Export != "" {
			exports = append(exports, exportEntry(fn.Export, externFunc, uint32(len(m.Imports)+i)))
		}
	}
	for i, g := range m.Globals {
		if g.Export != "" {
			exports = append(exports, exportEntry(g.Export, externGlobal, uint32(i)))
		}
	}
	if len(exports) > 0 {
		out = append(out, section(sectionExport, vector(exports))...)
	}

	if len(m.Funcs) > 0 {
		bodies := make([][]byte, 0, len(m.Funcs))
		for _, fn := range m.Funcs {
			var locals [][]byte
			for _, l := range fn.Locals {
				locals = append(locals, []byte{0x01, byte(l)})
			}
			body := vector(locals)
			if fn.Body != nil {
				body = append(body, fn.Body.Bytes()...)
			} else {
				body = append(body, opEnd)
			}
			bodies = append(bodies, append(encodeULEB128(uint32(len(body))), body...))
		}
		out = append(out, section(sectionCode, vector(bodies))...)
	}

	if len(m.Data) > 0 {
		segments := make([][]byte, 0, len(m.Data))
		for _, seg := range m.Data {
			entry := []byte{0x00, opI32Const}
			entry = append(entry, encodeSLEB128(int32(seg.Offset))...)
			entry = append(entry, opEnd)
			entry = append(entry, encodeULEB128(uint32(len(seg.Data)))...)
			segments = append(segments, append(entry, seg.Data...))
		}
		out = append(out, section(sectionData, vector(segments))...)
	}

	return out
}

func exportEntry(name string, kind byte, index uint32) []byte {
	entry := encodeName(name)
	entry = append(entry, kind)
	return append(entry, encodeULEB128(index)...)
}
