// Package relay exposes a local IPFS node's HTTP API under /api/v0/ so
// browser-hosted guests can reach it from the runtime's origin.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// APIPrefix is the path prefix forwarded to the node.
const APIPrefix = "/api/v0/"

// shutdownTimeout bounds the graceful shutdown that follows ctx ending.
const shutdownTimeout = 5 * time.Second

// Relay forwards IPFS API requests to an upstream node.
type Relay struct {
	upstream *url.URL
	proxy    *httputil.ReverseProxy
	logger   *zap.Logger

	mu        sync.Mutex
	server    *http.Server
	boundAddr string

	stopOnce sync.Once
	stopErr  error
}

// New creates a relay for the node API at apiURL.
func New(apiURL string, logger *zap.Logger) (*Relay, error) {
	upstream, err := url.Parse(apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ipfs api url %q: %w", apiURL, err)
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("invalid ipfs api url %q: scheme and host required", apiURL)
	}

	r := &Relay{
		upstream: upstream,
		logger:   logger.With(zap.String("component", "ipfs-relay")),
	}
	r.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
		},
		ErrorHandler: r.upstreamError,
	}
	return r, nil
}

// ServeHTTP forwards /api/v0/* and answers 404 for everything else.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if !strings.HasPrefix(req.URL.Path, APIPrefix) {
		http.NotFound(w, req)
		return
	}
	r.logger.Debug("Relaying IPFS API call",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
	)
	r.proxy.ServeHTTP(w, req)
}

// upstreamError answers 500 with the error text.
func (r *Relay) upstreamError(w http.ResponseWriter, req *http.Request, err error) {
	r.logger.Warn("IPFS API relay failed",
		zap.String("path", req.URL.Path),
		zap.Error(err),
	)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write([]byte(err.Error()))
}

// Start listens on addr and serves until Stop or ctx is done.
func (r *Relay) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	r.mu.Lock()
	r.server = srv
	r.boundAddr = ln.Addr().String()
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.logger.Info("IPFS relay started",
			zap.String("addr", ln.Addr().String()),
			zap.String("upstream", r.upstream.String()),
		)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("IPFS relay server error", zap.Error(err))
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := r.Stop(shutdownCtx); err != nil {
				r.logger.Warn("IPFS relay shutdown failed", zap.Error(err))
			}
		case <-done:
		}
	}()
	return nil
}

// Addr returns the bound listen address after Start.
func (r *Relay) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.boundAddr
}

// Stop gracefully shuts the server down. Later calls return the first
// result.
func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	srv := r.server
	r.mu.Unlock()
	if srv == nil {
		return nil
	}
	r.stopOnce.Do(func() {
		r.stopErr = srv.Shutdown(ctx)
	})
	return r.stopErr
}
