// Package httputil provides shared HTTP utilities with connection pooling,
// bounded concurrency, and safe response handling for outbound lookups.
package httputil

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// MaxResponseSize bounds response-body reads so a misbehaving upstream cannot
// balloon memory.
const MaxResponseSize = 1 * 1024 * 1024 // 1MB

// Shared transport with connection pooling; reusing TCP connections keeps
// reputation lookups inside the scoring budget.
var sharedTransport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	ForceAttemptHTTP2:   true,
	MaxIdleConns:        64,
	MaxIdleConnsPerHost: 16,
	IdleConnTimeout:     90 * time.Second,
	TLSHandshakeTimeout: 5 * time.Second,
}

// TimeoutTier selects a shared client by operation class.
type TimeoutTier int

const (
	// TierFast for lookups on the scoring path (1s cap; the caller's
	// context enforces the real per-request budget).
	TierFast TimeoutTier = iota
	// TierMedium for background calls off the scoring path (10s).
	TierMedium
)

var (
	clientFast   *http.Client
	clientMedium *http.Client
	clientOnce   sync.Once
)

func initClients() {
	clientFast = &http.Client{Timeout: 1 * time.Second, Transport: sharedTransport}
	clientMedium = &http.Client{Timeout: 10 * time.Second, Transport: sharedTransport}
}

// Client returns the shared client for a tier. Use these instead of
// constructing per-request clients so the connection pool is shared.
func Client(tier TimeoutTier) *http.Client {
	clientOnce.Do(initClients)
	if tier == TierFast {
		return clientFast
	}
	return clientMedium
}

// ReadResponseBody reads a response body with a size cap.
func ReadResponseBody(r io.Reader, maxSize int64) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = MaxResponseSize
	}
	return io.ReadAll(io.LimitReader(r, maxSize))
}

// DrainAndClose drains and closes a response body so the connection returns
// to the pool.
func DrainAndClose(body io.ReadCloser) {
	if body != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(body, MaxResponseSize))
		_ = body.Close()
	}
}

// Semaphore limits concurrent outbound operations. Lookups on the scoring
// path use TryAcquire and skip the call rather than queue behind a slow
// upstream.
type Semaphore struct {
	sem     chan struct{}
	dropped atomic.Int64
}

// NewSemaphore creates a semaphore with the given capacity.
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 32
	}
	return &Semaphore{sem: make(chan struct{}, capacity)}
}

// TryAcquire attempts to take a slot without blocking.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.sem <- struct{}{}:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Acquire blocks until a slot frees or the context ends.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot. Call only after a successful acquire.
func (s *Semaphore) Release() {
	select {
	case <-s.sem:
	default:
	}
}

// Dropped returns how many operations were skipped at capacity.
func (s *Semaphore) Dropped() int64 {
	return s.dropped.Load()
}
