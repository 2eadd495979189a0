// Package httputil is the shared HTTP plumbing for calls that leave the
// process: one pooled transport for model providers, bounded body reads,
// and a semaphore for fire-and-forget mirror writes.
package httputil

import (
	"io"
	"net"
	"net/http"
	"time"
)

// MaxResponseSize bounds body reads from providers. Model completions are
// a few KB; anything near this limit is a misbehaving endpoint.
const MaxResponseSize = 10 * 1024 * 1024

// One transport for every provider client so completions, classifier
// calls, and embedding lookups share the connection pool.
var sharedTransport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	ForceAttemptHTTP2:     true,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   10,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
}

// NewClient returns a client on the shared transport. Callers pass their
// configured timeout; zero disables the client-side deadline, leaving the
// request bounded only by its context.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: sharedTransport,
	}
}

// ReadResponseBody reads a response body up to maxSize; zero or negative
// maxSize falls back to MaxResponseSize.
func ReadResponseBody(r io.Reader, maxSize int64) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = MaxResponseSize
	}
	return io.ReadAll(io.LimitReader(r, maxSize))
}

// DrainAndClose drains and closes a response body so the underlying
// connection goes back to the pool.
func DrainAndClose(body io.ReadCloser) {
	if body != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(body, MaxResponseSize))
		_ = body.Close()
	}
}
