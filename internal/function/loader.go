package function

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/blocklessnetwork/bls-runtime-go/internal/wasm"
)

// Loader handles loading functions from disk.
type Loader struct {
	runtime      *wasm.Runtime
	moduleLoader *wasm.ModuleLoader
	logger       *zap.Logger
}

// NewLoader creates a new function loader.
func NewLoader(runtime *wasm.Runtime, logger *zap.Logger) *Loader {
	return &Loader{
		runtime:      runtime,
		moduleLoader: wasm.NewModuleLoader(runtime, logger),
		logger:       logger.With(zap.String("component", "function-loader")),
	}
}

// ModuleLoader returns the underlying module loader.
func (l *Loader) ModuleLoader() *wasm.ModuleLoader {
	return l.moduleLoader
}

// LoadFunction loads a single function from a directory.
func (l *Loader) LoadFunction(ctx context.Context, dir string) (*Function, error) {
	l.logger.Debug("Loading function", zap.String("dir", dir))

	manifest, err := ParseManifest(dir)
	if err != nil {
		return nil, err
	}

	l.logger.Info("Loading function",
		zap.String("name", manifest.Name),
		zap.String("version", manifest.Version),
		zap.String("entry", manifest.Entry),
	)

	// Compile the entry module (uses the runtime's cache)
	compiled, err := l.moduleLoader.LoadModule(ctx, wasm.SourceFor(manifest.EntryLocation()))
	if err != nil {
		return nil, &LoadError{
			FunctionName: manifest.Name,
			Err:          err,
		}
	}

	if limit := manifest.Limits.MemoryPages; limit > 0 {
		for _, mem := range compiled.Module.ExportedMemories() {
			if mem.Min() > limit {
				return nil, &LoadError{
					FunctionName: manifest.Name,
					Err: &MemoryLimitError{
						FunctionName: manifest.Name,
						Declared:     mem.Min(),
						Limit:        limit,
					},
				}
			}
		}
		if rc := l.runtime.Config(); limit > rc.MemoryPages {
			l.logger.Warn("Manifest memory limit exceeds runtime limit",
				zap.String("name", manifest.Name),
				zap.Uint32("manifest_pages", limit),
				zap.Uint32("runtime_pages", rc.MemoryPages),
			)
		}
	}

	fn := &Function{
		Manifest: manifest,
		Compiled: compiled,
		LoadedAt: time.Now(),
	}

	l.logger.Info("Function loaded successfully",
		zap.String("name", manifest.Name),
		zap.Int64("size_bytes", compiled.SizeBytes),
	)

	return fn, nil
}

// DiscoverFunctions scans directories for functions. Each subdirectory
// holding a manifest.yaml is one function.
func (l *Loader) DiscoverFunctions(ctx context.Context, paths []string) ([]*Function, error) {
	var functions []*Function
	var errs []error

	for _, basePath := range paths {
		l.logger.Debug("Scanning function directory", zap.String("path", basePath))

		entries, err := os.ReadDir(basePath)
		if err != nil {
			if os.IsNotExist(err) {
				l.logger.Warn("Function path does not exist", zap.String("path", basePath))
				continue
			}
			return nil, fmt.Errorf("failed to read directory '%s': %w", basePath, err)
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}

			dir := filepath.Join(basePath, entry.Name())

			fn, err := l.LoadFunction(ctx, dir)
			if err != nil {
				l.logger.Error("Failed to load function",
					zap.String("dir", dir),
					zap.Error(err),
				)
				errs = append(errs, err)
				continue
			}

			functions = append(functions, fn)
		}
	}

	if len(functions) > 0 && len(errs) > 0 {
		l.logger.Warn("Some functions failed to load",
			zap.Int("loaded", len(functions)),
			zap.Int("failed", len(errs)),
		)
	}

	if len(functions) == 0 {
		return nil, &NoFunctionsFoundError{Paths: paths}
	}

	return functions, nil
}
