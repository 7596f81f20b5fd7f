package builtin

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jmespath/go-jmespath"

	"github.com/gantrygw/gantry/internal/core"
	"github.com/gantrygw/gantry/internal/plugin"
)

type claimsHeaderConfig struct {
	// Claims maps a jmespath expression over the consumer's claims to the
	// header that receives its value.
	Claims map[string]string `json:"claims"`
}

// newClaimsHeader propagates authenticated claims to upstream headers.
// Requests without a consumer pass through unchanged.
func newClaimsHeader(raw map[string]any) (plugin.Handler, error) {
	var cfg claimsHeaderConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Claims) == 0 {
		return nil, fmt.Errorf("claims-header: claims map required")
	}

	type binding struct {
		expr   *jmespath.JMESPath
		header string
	}
	bindings := make([]binding, 0, len(cfg.Claims))
	for expression, header := range cfg.Claims {
		compiled, err := jmespath.Compile(expression)
		if err != nil {
			return nil, fmt.Errorf("claims-header: expression %q: %w", expression, err)
		}
		bindings = append(bindings, binding{expr: compiled, header: header})
	}

	return plugin.HandlerFunc(func(_ context.Context, pc *plugin.Context) (*core.Response, error) {
		if pc.Consumer == nil || len(pc.Consumer.Claims) == 0 {
			return nil, nil
		}
		for _, b := range bindings {
			v, err := b.expr.Search(pc.Consumer.Claims)
			if err != nil || v == nil {
				continue
			}
			if s := claimString(v); s != "" {
				pc.Request.Header.Set(b.header, s)
			}
		}
		return nil, nil
	}), nil
}

func claimString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}
