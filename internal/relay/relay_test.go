package relay

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRelayForwardsAPICalls(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write([]byte(r.Method + " " + r.URL.Path + "?" + r.URL.RawQuery + " " + string(body)))
	}))
	defer upstream.Close()

	r, err := New(upstream.URL, zaptest.NewLogger(t))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v0/files/ls?arg=%2F&long=true", strings.NewReader("payload"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "POST /api/v0/files/ls?arg=%2F&long=true payload", rec.Body.String())
}

func TestRelayNotFound(t *testing.T) {
	r, err := New("http://127.0.0.1:5001", zaptest.NewLogger(t))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/index.html", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRelayUpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := upstream.URL
	upstream.Close()

	r, err := New(addr, zaptest.NewLogger(t))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v0/version", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("127.0.0.1:5001", zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestRelayStartStop(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"Version":"0.30.0"}`))
	}))
	defer upstream.Close()

	r, err := New(upstream.URL, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, r.Start(ctx, "127.0.0.1:0"))
	defer r.Stop(ctx)

	resp, err := http.Post("http://"+r.Addr()+"/api/v0/version", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"Version":"0.30.0"}`, string(body))

	require.NoError(t, r.Stop(ctx))
}

func TestRelayStopsWithContext(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	r, err := New(upstream.URL, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx, "127.0.0.1:0"))
	addr := r.Addr()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	conn.Close()

	cancel()
	assert.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return true
		}
		conn.Close()
		return false
	}, 5*time.Second, 20*time.Millisecond)

	assert.NoError(t, r.Stop(context.Background()))
}
