package waf

import (
	"fmt"
	"strconv"

	"github.com/corazawaf/coraza/v3"
	"github.com/corazawaf/coraza/v3/types"
	"go.uber.org/zap"

	"github.com/gantrygw/gantry/internal/core"
	"github.com/gantrygw/gantry/internal/logging"
)

// Coraza delegates analysis to a Coraza engine driven by SecLang
// directives, mapping interruptions onto the same Result type the native
// rule set produces.
type Coraza struct {
	engine coraza.WAF
}

// NewCoraza builds the engine from SecLang directives. Directive errors
// surface at construction.
func NewCoraza(directives []string) (*Coraza, error) {
	cfg := coraza.NewWAFConfig().WithRequestBodyAccess()
	for _, d := range directives {
		cfg = cfg.WithDirectives(d)
	}
	engine, err := coraza.NewWAF(cfg)
	if err != nil {
		return nil, fmt.Errorf("waf: coraza init: %w", err)
	}
	return &Coraza{engine: engine}, nil
}

// Analyze runs one transaction over the request.
func (c *Coraza) Analyze(req *core.Request) Result {
	tx := c.engine.NewTransaction()
	defer func() {
		tx.ProcessLogging()
		if err := tx.Close(); err != nil {
			logging.Error("coraza transaction close failed", zap.Error(err))
		}
	}()

	tx.ProcessConnection(req.ClientIP(), 0, "", 0)

	uri := req.Path
	if enc := req.Query.Encode(); enc != "" {
		uri += "?" + enc
	}
	tx.ProcessURI(uri, req.Method, "HTTP/1.1")

	for name, values := range req.Header {
		for _, v := range values {
			tx.AddRequestHeader(name, v)
		}
	}
	if it := tx.ProcessRequestHeaders(); it != nil {
		return interruptionResult(tx, it)
	}

	if len(req.Body) > 0 {
		if it, _, err := tx.WriteRequestBody(req.Body); err != nil {
			logging.Error("coraza body write failed", zap.Error(err))
		} else if it != nil {
			return interruptionResult(tx, it)
		}
	}
	it, err := tx.ProcessRequestBody()
	if err != nil {
		logging.Error("coraza body processing failed", zap.Error(err))
	}
	if it != nil {
		return interruptionResult(tx, it)
	}

	return matchedResult(tx, ActionLog)
}

// interruptionResult maps a Coraza interruption to a Result. Deny and drop
// interruptions block; anything else is logged.
func interruptionResult(tx types.Transaction, it *types.Interruption) Result {
	action := ActionLog
	switch it.Action {
	case "deny", "drop", "block", "reject":
		action = ActionBlock
	case "redirect":
		action = ActionChallenge
	}
	res := matchedResult(tx, action)
	if len(res.Matches) == 0 {
		res.Matches = append(res.Matches, Match{
			RuleID:   "coraza-" + strconv.Itoa(it.RuleID),
			Action:   action,
			Location: "request",
		})
	}
	return res
}

func matchedResult(tx types.Transaction, action Action) Result {
	res := Result{Action: action}
	for _, mr := range tx.MatchedRules() {
		res.Matches = append(res.Matches, Match{
			RuleID:   "coraza-" + strconv.Itoa(mr.Rule().ID()),
			Action:   action,
			Location: "request",
		})
	}
	return res
}
