package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/blocklessnetwork/bls-runtime-go/internal/config"
	"github.com/blocklessnetwork/bls-runtime-go/internal/function"
	"github.com/blocklessnetwork/bls-runtime-go/internal/guestmod"
	"github.com/blocklessnetwork/bls-runtime-go/internal/wasm"
)

func testConfig(t *testing.T) *config.ServerConfig {
	t.Helper()
	cfg, err := config.LoadServerConfig("")
	require.NoError(t, err)
	cfg.Wasm.CacheDir = ""
	cfg.FunctionPaths = []string{t.TempDir()}
	return cfg
}

func newTestServer(t *testing.T, cfg *config.ServerConfig) *Server {
	t.Helper()
	s, err := NewServer(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func writeModule(t *testing.T, module []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "module.wasm")
	require.NoError(t, os.WriteFile(path, module, 0o644))
	return path
}

func TestServerInvokeUppercase(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	path := writeModule(t, guestmod.New())

	res, err := s.Invoke(context.Background(), path, "upper", []byte("this should be uppercase"), wasm.ResultSameLength)
	require.NoError(t, err)
	assert.Equal(t, "THIS SHOULD BE UPPERCASE", string(res.Data))
}

func TestServerInvokeRequiresAllocator(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	path := writeModule(t, guestmod.New(guestmod.WithoutDealloc()))

	_, err := s.Invoke(context.Background(), path, "upper", []byte("x"), wasm.ResultSameLength)
	require.Error(t, err)
	assert.ErrorIs(t, err, wasm.ErrMissingCapability)
}

func TestServerRunModule(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	path := writeModule(t, guestmod.New(guestmod.WithStdout("hello runtime\n")))

	result, err := s.RunModule(context.Background(), path)
	require.NoError(t, err)
	assert.Zero(t, result.ExitCode)
	assert.Equal(t, "hello runtime\n", string(result.Stdout))
}

func TestServerRunModulePreopens(t *testing.T) {
	cfg := testConfig(t)
	cfg.Runtime.Preopens = []string{"/data=" + t.TempDir()}
	s := newTestServer(t, cfg)

	result, err := s.RunModule(context.Background(), writeModule(t, guestmod.New(guestmod.WithPreopenCheck())))
	require.NoError(t, err)
	assert.Zero(t, result.ExitCode)

	cfg.Runtime.Preopens = []string{"/data=" + filepath.Join(t.TempDir(), "missing")}
	_, err = s.RunModule(context.Background(), writeModule(t, guestmod.New(guestmod.WithPreopenCheck())))
	var instErr *wasm.InstantiationError
	assert.ErrorAs(t, err, &instErr)
}

func TestServerRunModuleFromURL(t *testing.T) {
	module := guestmod.New(guestmod.WithExitCode(4))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(module)
	}))
	defer srv.Close()

	s := newTestServer(t, testConfig(t))
	result, err := s.RunModule(context.Background(), srv.URL+"/fn.wasm")
	require.NoError(t, err)
	assert.Equal(t, uint32(4), result.ExitCode)
}

func TestServerRunFunction(t *testing.T) {
	cfg := testConfig(t)
	dir := filepath.Join(cfg.FunctionPaths[0], "greeter")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, function.ManifestFile),
		[]byte("name: greeter\nversion: 1.0.0\nentry: main.wasm\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.wasm"),
		guestmod.New(guestmod.WithStdout("greetings\n")), 0o644))

	s := newTestServer(t, cfg)
	require.NoError(t, s.LoadFunctions(context.Background()))

	result, err := s.Run(context.Background(), "greeter")
	require.NoError(t, err)
	assert.Equal(t, "greetings\n", string(result.Stdout))
	assert.Equal(t, 1, s.Functions().Registry().Count())
}

func TestServerHTTPExtension(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("pong"))
	}))
	defer upstream.Close()

	cfg := testConfig(t)
	cfg.Runtime.Permissions = []string{upstream.URL}
	s := newTestServer(t, cfg)

	payload := []byte(`{"url":"` + upstream.URL + `/ping","method":"Get"}`)
	path := writeModule(t, guestmod.New(guestmod.WithHostCall("http_call", payload, 1)))

	_, err := s.RunModule(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestServerHTTPExtensionDenied(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer upstream.Close()

	s := newTestServer(t, testConfig(t))

	payload := []byte(`{"url":"` + upstream.URL + `/ping","method":"Get"}`)
	path := writeModule(t, guestmod.New(guestmod.WithHostCall("http_call", payload, 1)))

	_, err := s.RunModule(context.Background(), path)
	require.NoError(t, err)
	assert.Zero(t, hits.Load())
}

func TestServerServeRelay(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.URL.Path))
	}))
	defer upstream.Close()

	cfg := testConfig(t)
	cfg.IPFS.APIURL = upstream.URL
	s := newTestServer(t, cfg)

	addr, err := s.ServeRelay(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)

	_, err = s.ServeRelay(context.Background(), "127.0.0.1:0")
	assert.Error(t, err, "second relay must be rejected")

	resp, err := http.Post("http://"+addr+"/api/v0/files/stat", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "/api/v0/files/stat", string(body))
}

func TestServerCloseIdempotent(t *testing.T) {
	s, err := NewServer(context.Background(), testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))
}

func TestServerSelfTest(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	out, err := s.SelfTest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "THIS SHOULD BE UPPERCASE", out)

	// The compiled guest is cached; a second run reuses it.
	out, err = s.SelfTest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "THIS SHOULD BE UPPERCASE", out)
}
