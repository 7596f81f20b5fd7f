package builtin

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/gantrygw/gantry/internal/core"
	"github.com/gantrygw/gantry/internal/plugin"
)

// transformConfig is shared by the request and response transforms. Field
// paths use gjson/sjson dot syntax.
type transformConfig struct {
	SetHeaders    map[string]string `json:"set_headers"`
	AddHeaders    map[string]string `json:"add_headers"`
	RemoveHeaders []string          `json:"remove_headers"`

	SetFields    map[string]any `json:"set_fields"`
	RemoveFields []string       `json:"remove_fields"`
	// AllowFields keeps only the listed paths, applied before set/remove.
	AllowFields []string `json:"allow_fields"`
}

func (c transformConfig) touchesBody() bool {
	return len(c.SetFields) > 0 || len(c.RemoveFields) > 0 || len(c.AllowFields) > 0
}

// applyHeaders mutates h per the header ops.
func (c transformConfig) applyHeaders(h http.Header) {
	for name, value := range c.SetHeaders {
		h.Set(name, value)
	}
	for name, value := range c.AddHeaders {
		h.Add(name, value)
	}
	for _, name := range c.RemoveHeaders {
		h.Del(name)
	}
}

// applyBody rewrites a JSON body per the field ops. Non-JSON bodies pass
// through untouched.
func (c transformConfig) applyBody(body []byte) []byte {
	if len(body) == 0 || !c.touchesBody() || !gjson.ValidBytes(body) {
		return body
	}

	out := body
	if len(c.AllowFields) > 0 {
		kept := []byte(`{}`)
		for _, path := range c.AllowFields {
			if v := gjson.GetBytes(out, path); v.Exists() {
				kept, _ = sjson.SetBytes(kept, path, v.Value())
			}
		}
		out = kept
	}
	for path, value := range c.SetFields {
		if next, err := sjson.SetBytes(out, path, value); err == nil {
			out = next
		}
	}
	for _, path := range c.RemoveFields {
		if next, err := sjson.DeleteBytes(out, path); err == nil {
			out = next
		}
	}
	return out
}

func newRequestTransform(raw map[string]any) (plugin.Handler, error) {
	var cfg transformConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	return plugin.HandlerFunc(func(_ context.Context, pc *plugin.Context) (*core.Response, error) {
		cfg.applyHeaders(pc.Request.Header)
		pc.Request.Body = cfg.applyBody(pc.Request.Body)
		return nil, nil
	}), nil
}

func newResponseTransform(raw map[string]any) (plugin.Handler, error) {
	var cfg transformConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	return plugin.HandlerFunc(func(_ context.Context, pc *plugin.Context) (*core.Response, error) {
		if pc.Response == nil {
			return nil, fmt.Errorf("response-transform: no response in context")
		}
		cfg.applyHeaders(pc.Response.Header)
		pc.Response.Body = cfg.applyBody(pc.Response.Body)
		return nil, nil
	}), nil
}
