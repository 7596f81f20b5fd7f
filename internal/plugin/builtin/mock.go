package builtin

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/gantrygw/gantry/internal/core"
	"github.com/gantrygw/gantry/internal/plugin"
)

type mockConfig struct {
	Status      int               `json:"status"`
	ContentType string            `json:"content_type"`
	Headers     map[string]string `json:"headers"`
	// Body is a template with the sprig function set; it renders against
	// {Method, Path, Params, Query, ConsumerID}.
	Body string `json:"body"`
}

type mockContext struct {
	Method     string
	Path       string
	Params     map[string]string
	Query      map[string]string
	ConsumerID string
}

// newMockResponse answers from a template without touching the upstream.
// Registered in the route phase it shadows dispatch entirely.
func newMockResponse(raw map[string]any) (plugin.Handler, error) {
	var cfg mockConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Status == 0 {
		cfg.Status = 200
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}

	tmpl, err := template.New("mock").Funcs(sprig.FuncMap()).Parse(cfg.Body)
	if err != nil {
		return nil, fmt.Errorf("mock-response: parse body template: %w", err)
	}

	return plugin.HandlerFunc(func(_ context.Context, pc *plugin.Context) (*core.Response, error) {
		mc := mockContext{
			Method: pc.Request.Method,
			Path:   pc.Request.Path,
			Params: pc.Route.PathParams,
			Query:  make(map[string]string, len(pc.Request.Query)),
		}
		for name := range pc.Request.Query {
			mc.Query[name] = pc.Request.Query.Get(name)
		}
		if pc.Consumer != nil {
			mc.ConsumerID = pc.Consumer.ID
		}

		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, mc); err != nil {
			return nil, fmt.Errorf("mock-response: render: %w", err)
		}

		resp := core.NewResponse(cfg.Status)
		resp.Header.Set("Content-Type", cfg.ContentType)
		for name, value := range cfg.Headers {
			resp.Header.Set(name, value)
		}
		resp.Body = buf.Bytes()
		return resp, nil
	}), nil
}
