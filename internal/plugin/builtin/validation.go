package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/gantrygw/gantry/internal/core"
	"github.com/gantrygw/gantry/internal/plugin"
)

type validationConfig struct {
	// Schema is an inline JSON Schema document.
	Schema map[string]any `json:"schema"`
	// LogOnly annotates instead of rejecting.
	LogOnly bool `json:"log_only"`
}

// newRequestValidation validates JSON request bodies against a schema
// compiled at registration. Invalid bodies get a 400 with the first
// violation; log_only mode tags the request and lets it pass.
func newRequestValidation(raw map[string]any) (plugin.Handler, error) {
	var cfg validationConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Schema) == 0 {
		return nil, fmt.Errorf("request-validation: schema required")
	}

	schemaJSON, err := json.Marshal(cfg.Schema)
	if err != nil {
		return nil, fmt.Errorf("request-validation: encode schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("request-validation: parse schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inline.json", doc); err != nil {
		return nil, fmt.Errorf("request-validation: %w", err)
	}
	schema, err := compiler.Compile("inline.json")
	if err != nil {
		return nil, fmt.Errorf("request-validation: compile schema: %w", err)
	}

	return plugin.HandlerFunc(func(_ context.Context, pc *plugin.Context) (*core.Response, error) {
		if len(pc.Request.Body) == 0 {
			return reject(pc, cfg.LogOnly, "request body required")
		}
		value, err := jsonschema.UnmarshalJSON(bytes.NewReader(pc.Request.Body))
		if err != nil {
			return reject(pc, cfg.LogOnly, "request body is not valid JSON")
		}
		if err := schema.Validate(value); err != nil {
			return reject(pc, cfg.LogOnly, err.Error())
		}
		return nil, nil
	}), nil
}

func reject(pc *plugin.Context, logOnly bool, detail string) (*core.Response, error) {
	if logOnly {
		pc.Values["validation_failure"] = detail
		return nil, nil
	}
	return core.JSONResponse(400, map[string]any{
		"error": "request validation failed",
		"code":  "VALIDATION_FAILED",
		"metadata": map[string]any{
			"detail": detail,
		},
	}), nil
}
