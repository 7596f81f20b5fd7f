// Package proxy forwards pipeline requests to upstream targets: the
// Transport contract and its HTTP implementation, plus the retrying
// dispatcher that ties load balancing, circuit breaking, and passive health
// together.
package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gantrygw/gantry/internal/core"
	"github.com/gantrygw/gantry/internal/loadbalancer"
)

// Transport sends one request to one concrete target.
type Transport interface {
	Send(ctx context.Context, target *loadbalancer.Target, req *core.Request) (*core.Response, error)
}

// TransportConfig tunes the shared HTTP connection pool.
type TransportConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration

	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	ExpectContinueTimeout time.Duration

	InsecureSkipVerify bool
	CAFile             string

	DisableKeepAlives bool
	ForceHTTP2        bool

	// MaxResponseBytes caps how much of an upstream body is buffered
	// (default 32 MiB). The response model is opaque bytes, so unbounded
	// bodies would be unbounded memory.
	MaxResponseBytes int64
}

// DefaultTransportConfig is the pool tuning used when config specifies
// nothing.
var DefaultTransportConfig = TransportConfig{
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   10,
	IdleConnTimeout:       90 * time.Second,
	DialTimeout:           30 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: time.Second,
	ForceHTTP2:            true,
	MaxResponseBytes:      32 << 20,
}

// HTTPTransport implements Transport over a tuned http.Transport pool.
type HTTPTransport struct {
	client   *http.Client
	maxBytes int64
}

// NewHTTPTransport builds the transport. A bad CA file surfaces here rather
// than as per-request TLS failures.
func NewHTTPTransport(cfg TransportConfig) (*HTTPTransport, error) {
	d := DefaultTransportConfig
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = d.MaxIdleConns
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = d.MaxIdleConnsPerHost
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = d.IdleConnTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = d.DialTimeout
	}
	if cfg.TLSHandshakeTimeout <= 0 {
		cfg.TLSHandshakeTimeout = d.TLSHandshakeTimeout
	}
	if cfg.ExpectContinueTimeout <= 0 {
		cfg.ExpectContinueTimeout = d.ExpectContinueTimeout
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = d.MaxResponseBytes
	}

	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("proxy: read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("proxy: ca file %s contains no certificates", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	dialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}
	rt := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
		DisableKeepAlives:     cfg.DisableKeepAlives,
		TLSClientConfig:       tlsConfig,
		ForceAttemptHTTP2:     cfg.ForceHTTP2,
	}
	return &HTTPTransport{
		client:   &http.Client{Transport: rt, CheckRedirect: noRedirect},
		maxBytes: cfg.MaxResponseBytes,
	}, nil
}

// noRedirect keeps upstream redirects opaque: the client decides what to do
// with a 3xx, not the gateway.
func noRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// Send forwards the request to the target and buffers the full response.
func (t *HTTPTransport) Send(ctx context.Context, target *loadbalancer.Target, req *core.Request) (*core.Response, error) {
	u := *target.ParsedURL
	u.Path = joinPath(u.Path, req.Path)
	u.RawQuery = req.Query.Encode()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("proxy: build request: %w", err)
	}
	core.CopyHeader(hr.Header, req.Header)

	hres, err := t.client.Do(hr)
	if err != nil {
		return nil, fmt.Errorf("proxy: %s: %w", target.ID, err)
	}
	defer hres.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(hres.Body, t.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("proxy: %s: read body: %w", target.ID, err)
	}

	resp := core.NewResponse(hres.StatusCode)
	core.CopyHeader(resp.Header, hres.Header)
	core.StripHopByHop(resp.Header)
	resp.Body = respBody
	return resp, nil
}

// joinPath concatenates a target base path with the request path without
// doubling slashes.
func joinPath(base, p string) string {
	if base == "" || base == "/" {
		return p
	}
	if base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	if p == "" {
		return base
	}
	if p[0] != '/' {
		return base + "/" + p
	}
	return base + p
}
