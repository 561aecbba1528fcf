package extension

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/blocklessnetwork/bls-runtime-go/internal/config"
	"github.com/blocklessnetwork/bls-runtime-go/pkg/protocol"
)

const (
	defaultBreakerMaxFailures uint32 = 5
	defaultBreakerTimeout            = 30 * time.Second
	defaultBreakerInterval           = 60 * time.Second
)

// ErrBodyTooLarge is returned when a response exceeds the body limit.
var ErrBodyTooLarge = errors.New("response body too large")

// HTTPClient performs guest HTTP requests. Requests share one outbound
// rate limit; each upstream host gets its own circuit breaker so a dead
// host fails fast without blocking the others.
type HTTPClient struct {
	client      *http.Client
	limiter     *rate.Limiter
	maxBodySize int64
	maxFailures uint32
	timeout     time.Duration
	logger      *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*protocol.HTTPResponse]
}

// NewHTTPClient creates a client from cfg. A nil client uses a fresh
// http.Client with cfg.Timeout.
func NewHTTPClient(cfg config.HTTPConfig, client *http.Client, logger *zap.Logger) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	maxFailures := cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.BreakerTimeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}

	return &HTTPClient{
		client:      client,
		limiter:     rate.NewLimiter(limit, burst),
		maxBodySize: cfg.MaxBodySize,
		maxFailures: maxFailures,
		timeout:     timeout,
		logger:      logger.With(zap.String("component", "ext-http")),
		breakers:    make(map[string]*gobreaker.CircuitBreaker[*protocol.HTTPResponse]),
	}
}

func (c *HTTPClient) breaker(host string) *gobreaker.CircuitBreaker[*protocol.HTTPResponse] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[host]; ok {
		return cb
	}
	maxFailures := c.maxFailures
	cb := gobreaker.NewCircuitBreaker[*protocol.HTTPResponse](gobreaker.Settings{
		Name:        "http:" + host,
		MaxRequests: 1,
		Interval:    defaultBreakerInterval,
		Timeout:     c.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("Circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	c.breakers[host] = cb
	return cb
}

// State returns the breaker state for host.
func (c *HTTPClient) State(host string) gobreaker.State {
	return c.breaker(host).State()
}

// Do executes req. Non-2xx statuses are returned as responses, not errors;
// only transport failures count against the host's breaker.
func (c *HTTPClient) Do(ctx context.Context, req protocol.HTTPRequest) (*protocol.HTTPResponse, error) {
	method, err := req.Method.HTTP()
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", req.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	resp, err := c.breaker(u.Host).Execute(func() (*protocol.HTTPResponse, error) {
		return c.do(ctx, method, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("host %q circuit open: %w", u.Host, err)
	}
	return resp, err
}

func (c *HTTPClient) do(ctx context.Context, method string, req protocol.HTTPRequest) (*protocol.HTTPResponse, error) {
	var body io.Reader
	if req.Body != nil {
		body = strings.NewReader(*req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := readLimited(resp.Body, c.maxBodySize)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("HTTP request completed",
		zap.String("method", method),
		zap.String("url", req.URL),
		zap.Int("status", resp.StatusCode),
		zap.Int("body_len", len(data)),
		zap.Duration("duration", time.Since(start)),
	)

	return &protocol.HTTPResponse{
		Status:  resp.StatusCode,
		Headers: flattenHeaders(resp.Header),
		Body:    data,
	}, nil
}

// readLimited reads r fully, failing once more than limit bytes arrive.
// A limit <= 0 means unlimited.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if n > limit {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrBodyTooLarge, limit)
	}
	return buf.Bytes(), nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}
