package function

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/blocklessnetwork/bls-runtime-go/internal/wasm"
)

// writeFunction creates base/dir with manifest and, when module is not
// nil, main.wasm.
func writeFunction(t *testing.T, base, dir, manifest string, module []byte) string {
	t.Helper()
	path := filepath.Join(base, dir)
	require.NoError(t, os.MkdirAll(path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, ManifestFile), []byte(manifest), 0o644))
	if module != nil {
		require.NoError(t, os.WriteFile(filepath.Join(path, "main.wasm"), module, 0o644))
	}
	return path
}

func newTestRuntime(t *testing.T) *wasm.Runtime {
	t.Helper()
	runtime, err := wasm.NewRuntime(context.Background(), zaptest.NewLogger(t), wasm.DefaultRuntimeConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = runtime.Close(context.Background()) })
	return runtime
}
