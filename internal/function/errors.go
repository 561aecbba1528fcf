package function

import (
	"fmt"
)

// ManifestNotFoundError occurs when manifest.yaml is not found in a directory.
type ManifestNotFoundError struct {
	Path string
	Err  error
}

func (e *ManifestNotFoundError) Error() string {
	return fmt.Sprintf("manifest not found at '%s': %v", e.Path, e.Err)
}

func (e *ManifestNotFoundError) Unwrap() error {
	return e.Err
}

// ManifestParseError occurs when manifest.yaml is not valid YAML.
type ManifestParseError struct {
	Path string
	Err  error
}

func (e *ManifestParseError) Error() string {
	return fmt.Sprintf("failed to parse manifest at '%s': %v", e.Path, e.Err)
}

func (e *ManifestParseError) Unwrap() error {
	return e.Err
}

// ManifestValidationError occurs when manifest.yaml fails validation.
type ManifestValidationError struct {
	Path    string
	Field   string
	Message string
}

func (e *ManifestValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("manifest validation failed at '%s': %s (field: %s)",
			e.Path, e.Message, e.Field)
	}
	return fmt.Sprintf("manifest validation failed at '%s': %s", e.Path, e.Message)
}

// EntryNotFoundError occurs when the local entry module does not exist.
type EntryNotFoundError struct {
	ManifestPath string
	Entry        string
}

func (e *EntryNotFoundError) Error() string {
	return fmt.Sprintf("entry module '%s' not found (referenced in manifest '%s')",
		e.Entry, e.ManifestPath)
}

// MemoryLimitError occurs when a module declares more initial memory than
// its manifest allows.
type MemoryLimitError struct {
	FunctionName string
	Declared     uint32
	Limit        uint32
}

func (e *MemoryLimitError) Error() string {
	return fmt.Sprintf("function '%s' declares %d memory pages, limit is %d",
		e.FunctionName, e.Declared, e.Limit)
}

// LoadError occurs when a function fails to load.
type LoadError struct {
	FunctionName string
	Err          error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load function '%s': %v", e.FunctionName, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// NotFoundError occurs when a function is not in the registry.
type NotFoundError struct {
	FunctionName string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("function '%s' not found", e.FunctionName)
}

// AlreadyRegisteredError occurs when registering a duplicate name.
type AlreadyRegisteredError struct {
	FunctionName string
}

func (e *AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("function '%s' is already registered", e.FunctionName)
}

// NoFunctionsFoundError occurs when no functions load from the configured paths.
type NoFunctionsFoundError struct {
	Paths []string
}

func (e *NoFunctionsFoundError) Error() string {
	return fmt.Sprintf("no functions found in paths: %v", e.Paths)
}
