package function

import (
	"time"

	"github.com/blocklessnetwork/bls-runtime-go/internal/wasm"
)

// Function is a deployed function: its manifest and compiled module.
type Function struct {
	// Manifest is the parsed function metadata
	Manifest *Manifest

	// Compiled is the compiled Wasm module
	Compiled *wasm.CompiledModule

	// LoadedAt is the timestamp when the function was loaded
	LoadedAt time.Time
}

// Name returns the function name.
func (f *Function) Name() string {
	return f.Manifest.Name
}

// Version returns the function version.
func (f *Function) Version() string {
	return f.Manifest.Version
}

// Permissions returns the URL prefixes declared by the manifest.
func (f *Function) Permissions() []string {
	return f.Manifest.Permissions
}
