package builtin

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"

	"github.com/gantrygw/gantry/internal/core"
	"github.com/gantrygw/gantry/internal/plugin"
)

type compressConfig struct {
	// MinBytes skips bodies smaller than this (default 1024).
	MinBytes int `json:"min_bytes"`
	// Types limits compression to these content-type prefixes; empty means
	// the default text/JSON set.
	Types []string `json:"types"`
}

var defaultCompressibleTypes = []string{
	"text/", "application/json", "application/xml",
	"application/javascript", "image/svg+xml",
}

// newCompress encodes the response body per the client's Accept-Encoding,
// preferring br, then zstd, then gzip. Runs post-route.
func newCompress(raw map[string]any) (plugin.Handler, error) {
	var cfg compressConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 1024
	}
	types := cfg.Types
	if len(types) == 0 {
		types = defaultCompressibleTypes
	}

	return plugin.HandlerFunc(func(_ context.Context, pc *plugin.Context) (*core.Response, error) {
		resp := pc.Response
		if resp == nil || len(resp.Body) < cfg.MinBytes {
			return nil, nil
		}
		if resp.Header.Get("Content-Encoding") != "" {
			return nil, nil
		}
		if !compressibleType(resp.Header.Get("Content-Type"), types) {
			return nil, nil
		}

		encoding := pickEncoding(pc.Request.Header.Get("Accept-Encoding"))
		if encoding == "" {
			return nil, nil
		}
		compressed, err := encode(encoding, resp.Body)
		if err != nil {
			return nil, fmt.Errorf("compress: %s: %w", encoding, err)
		}
		if len(compressed) >= len(resp.Body) {
			return nil, nil
		}

		resp.Body = compressed
		resp.Header.Set("Content-Encoding", encoding)
		resp.Header.Set("Content-Length", strconv.Itoa(len(compressed)))
		resp.Header.Add("Vary", "Accept-Encoding")
		return nil, nil
	}), nil
}

func compressibleType(contentType string, types []string) bool {
	for _, t := range types {
		if strings.HasPrefix(contentType, t) {
			return true
		}
	}
	return false
}

// pickEncoding chooses the strongest encoding the client accepts.
func pickEncoding(acceptEncoding string) string {
	accepted := make(map[string]bool)
	for _, part := range strings.Split(acceptEncoding, ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		accepted[strings.TrimSpace(name)] = true
	}
	for _, enc := range []string{"br", "zstd", "gzip"} {
		if accepted[enc] {
			return enc
		}
	}
	return ""
}

func encode(encoding string, body []byte) ([]byte, error) {
	var buf bytes.Buffer
	switch encoding {
	case "br":
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case "zstd":
		w, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case "gzip":
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown encoding %q", encoding)
	}
	return buf.Bytes(), nil
}
