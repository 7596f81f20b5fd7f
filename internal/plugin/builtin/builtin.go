// Package builtin ships the gateway's standard plugin set. Every plugin is
// a plugin.Factory with a typed config decoded at registration; bad config
// fails route registration, never a request.
package builtin

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gantrygw/gantry/internal/plugin"
)

// RegisterAll installs the shipped plugins into the registry.
func RegisterAll(reg *plugin.Registry) {
	reg.Register("request-transform", newRequestTransform)
	reg.Register("response-transform", newResponseTransform)
	reg.Register("request-validation", newRequestValidation)
	reg.Register("mock-response", newMockResponse)
	reg.Register("claims-header", newClaimsHeader)
	reg.Register("geo-filter", newGeoFilter)
	reg.Register("compress", newCompress)
	reg.Register("rules", newRules)
}

// decodeConfig maps the descriptor's free-form config onto a typed struct
// through a JSON round trip, so yaml-sourced and api-sourced payloads decode
// identically.
func decodeConfig(raw map[string]any, out any) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}
