package builtin

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/gantrygw/gantry/internal/core"
	"github.com/gantrygw/gantry/internal/errors"
	"github.com/gantrygw/gantry/internal/plugin"
)

type ruleConfig struct {
	// When is an expr condition over {method, path, host, header(),
	// query(), consumer_id, scopes}.
	When string `json:"when"`
	// Action is block, set-header, or respond.
	Action string `json:"action"`

	Header string `json:"header"`
	Value  string `json:"value"`

	Status int    `json:"status"`
	Body   string `json:"body"`
}

type rulesConfig struct {
	Rules []ruleConfig `json:"rules"`
}

type compiledRule struct {
	program *vm.Program
	cfg     ruleConfig
}

// newRules evaluates expr conditions against the request and applies the
// first matching rule's action per rule, in declaration order.
func newRules(raw map[string]any) (plugin.Handler, error) {
	var cfg rulesConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Rules) == 0 {
		return nil, fmt.Errorf("rules: at least one rule required")
	}

	compiled := make([]compiledRule, len(cfg.Rules))
	for i, rc := range cfg.Rules {
		if rc.When == "" {
			return nil, fmt.Errorf("rules: rule %d: when required", i)
		}
		switch rc.Action {
		case "block", "set-header", "respond":
		default:
			return nil, fmt.Errorf("rules: rule %d: unknown action %q", i, rc.Action)
		}
		if rc.Action == "set-header" && rc.Header == "" {
			return nil, fmt.Errorf("rules: rule %d: set-header needs a header", i)
		}
		program, err := expr.Compile(rc.When, expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("rules: rule %d: %w", i, err)
		}
		compiled[i] = compiledRule{program: program, cfg: rc}
	}

	return plugin.HandlerFunc(func(_ context.Context, pc *plugin.Context) (*core.Response, error) {
		env := ruleEnv(pc)
		for _, cr := range compiled {
			out, err := expr.Run(cr.program, env)
			if err != nil {
				continue
			}
			if matched, ok := out.(bool); !ok || !matched {
				continue
			}
			switch cr.cfg.Action {
			case "block":
				return nil, errors.AuthorizationFailed("blocked by rule")
			case "set-header":
				pc.Request.Header.Set(cr.cfg.Header, cr.cfg.Value)
			case "respond":
				status := cr.cfg.Status
				if status == 0 {
					status = 200
				}
				resp := core.NewResponse(status)
				resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
				resp.Body = []byte(cr.cfg.Body)
				return resp, nil
			}
		}
		return nil, nil
	}), nil
}

func ruleEnv(pc *plugin.Context) map[string]any {
	env := map[string]any{
		"method":      pc.Request.Method,
		"path":        pc.Request.Path,
		"host":        pc.Request.Host,
		"consumer_id": "",
		"scopes":      []string{},
		"header": func(name string) string {
			return pc.Request.Header.Get(name)
		},
		"query": func(name string) string {
			return pc.Request.Query.Get(name)
		},
	}
	if pc.Consumer != nil {
		env["consumer_id"] = pc.Consumer.ID
		env["scopes"] = pc.Consumer.Scopes
	}
	return env
}
