// Package httpclient builds the shared outbound HTTP clients used for
// dispatch. Clients pool connections and are safe for concurrent use.
package httpclient

import (
	"crypto/tls"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Mode selects the TLS posture of the client.
type Mode int

const (
	// ModeStrict validates server certificates against the system pool.
	ModeStrict Mode = iota

	// ModeInsecure skips certificate validation. In-platform targets
	// frequently run with self-signed certificates.
	ModeInsecure
)

// Options tune the constructed client.
type Options struct {
	// Timeout bounds a whole request/response cycle. Zero means the
	// package default.
	Timeout time.Duration

	// Tracing wraps the transport with otelhttp instrumentation.
	Tracing bool
}

const defaultTimeout = 30 * time.Second

// New returns a ready-to-use client for the given mode.
func New(mode Mode, opts Options) *http.Client {
	t := &http.Transport{
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if mode == ModeInsecure {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	var rt http.RoundTripper = t
	if opts.Tracing {
		rt = otelhttp.NewTransport(t)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{
		Transport: rt,
		Timeout:   timeout,
		// Dispatch never follows redirects; the redirect status is the
		// delivery result.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
