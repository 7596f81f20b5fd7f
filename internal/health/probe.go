package health

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// prober executes one active check against a target URL.
type prober interface {
	probe(ctx context.Context, spec Spec, targetURL string) error
}

type netProber struct {
	client *http.Client
	dialer *net.Dialer
}

func newProber() prober {
	return &netProber{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		dialer: &net.Dialer{},
	}
}

func (p *netProber) probe(ctx context.Context, spec Spec, targetURL string) error {
	ctx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	if spec.Type == ProbeTCP {
		return p.probeTCP(ctx, targetURL)
	}
	return p.probeHTTP(ctx, spec, targetURL)
}

func (p *netProber) probeHTTP(ctx context.Context, spec Spec, targetURL string) error {
	u, err := url.Parse(targetURL)
	if err != nil {
		return fmt.Errorf("health: target url: %w", err)
	}
	u.Path = spec.Path
	u.RawQuery = ""
	if spec.Type == ProbeHTTPS {
		u.Scheme = "https"
	}

	req, err := http.NewRequestWithContext(ctx, spec.Method, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if !matchStatus(resp.StatusCode, spec.ranges) {
		return fmt.Errorf("health: unexpected status %d", resp.StatusCode)
	}
	if spec.ExpectedBody != "" {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err != nil {
			return err
		}
		if !strings.Contains(string(body), spec.ExpectedBody) {
			return fmt.Errorf("health: body missing expected substring")
		}
	}
	return nil
}

func (p *netProber) probeTCP(ctx context.Context, targetURL string) error {
	host := targetURL
	if u, err := url.Parse(targetURL); err == nil && u.Host != "" {
		host = u.Host
		if u.Port() == "" {
			switch u.Scheme {
			case "https":
				host = net.JoinHostPort(u.Hostname(), "443")
			default:
				host = net.JoinHostPort(u.Hostname(), "80")
			}
		}
	}
	conn, err := p.dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return err
	}
	return conn.Close()
}
