// Package waf inspects requests against built-in attack-pattern families
// (SQL injection, XSS, path traversal, command injection) and user-supplied
// rules. All patterns compile at construction; analysis collects every
// matched rule and reports the most restrictive action.
package waf

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gantrygw/gantry/internal/core"
)

// Action is what a matched rule asks for. Block dominates challenge, which
// dominates log.
type Action string

const (
	ActionLog       Action = "log"
	ActionChallenge Action = "challenge"
	ActionBlock     Action = "block"
)

func (a Action) rank() int {
	switch a {
	case ActionBlock:
		return 2
	case ActionChallenge:
		return 1
	default:
		return 0
	}
}

// moreRestrictive returns the stronger of two actions.
func moreRestrictive(a, b Action) Action {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Rule is one compiled inspection rule.
type Rule struct {
	ID     string
	Action Action

	re      *regexp.Regexp
	literal string // lowercase substring match when re is nil
}

// UserRule is the configuration form of a custom rule. Pattern is a regex
// unless Literal is set, in which case it is a case-insensitive substring.
type UserRule struct {
	ID      string
	Pattern string
	Literal bool
	Action  Action
}

// Match records one rule hit and where it fired.
type Match struct {
	RuleID   string `json:"rule_id"`
	Action   Action `json:"action"`
	Location string `json:"location"` // path, query:<name>, header:<name>, body
}

// Result is the outcome of analyzing one request.
type Result struct {
	Matches []Match
	// Action is the most restrictive action among the matches; ActionLog
	// when nothing matched.
	Action Action
}

// Blocked reports whether the request must be rejected.
func (r Result) Blocked() bool { return r.Action == ActionBlock }

// MatchedRuleIDs lists the IDs of every matched rule.
func (r Result) MatchedRuleIDs() []string {
	ids := make([]string, len(r.Matches))
	for i, m := range r.Matches {
		ids[i] = m.RuleID
	}
	return ids
}

// Builtin pattern families. IDs are stable: clients and tests key off them.
var builtinFamilies = []struct {
	family   string
	patterns []string
}{
	{"sql-injection", []string{
		`(?i)('|%27)\s*(or|and)\s*('|%27)?\d`,
		`(?i)('|%27).{0,40}?=\s*('|%27)`,
		`(?i)\bunion\b.{0,40}?\bselect\b`,
		`(?i)\b(select|insert|update|delete|drop|truncate)\b.{0,60}?\b(from|into|table|where)\b`,
		`(?i);\s*(drop|delete|truncate|shutdown)\b`,
		`(?i)\b(sleep|benchmark|pg_sleep)\s*\(`,
		`(?i)--[^\r\n]*$`,
		`(?i)/\*.{0,100}?\*/`,
	}},
	{"xss", []string{
		`(?i)<script[\s>]`,
		`(?i)javascript\s*:`,
		`(?i)on(error|load|click|mouseover|focus|submit)\s*=`,
		`(?i)<(iframe|object|embed|svg)[\s>]`,
		`(?i)document\.(cookie|location|write)`,
		`(?i)(alert|prompt|confirm)\s*\(`,
	}},
	{"path-traversal", []string{
		`\.\.(/|\\|%2f|%5c)`,
		`(?i)%2e%2e(%2f|%5c|/|\\)`,
		`(?i)(/|\\)(etc(/|\\)(passwd|shadow)|windows(/|\\)system32)`,
		`(?i)(/|\\)proc(/|\\)self`,
	}},
	{"command-injection", []string{
		"(?i)[;|`]\\s*(cat|ls|id|whoami|pwd|nc|curl|wget|bash|sh|cmd|powershell)\\b",
		`(?i)\$\((cat|ls|id|whoami|nc|curl|wget)\b`,
		`(?i)&&\s*(cat|ls|id|whoami|rm|curl|wget)\b`,
		"(?i)`[^`]{0,100}`",
	}},
}

// WAF is a compiled rule set ready for analysis.
type WAF struct {
	rules []Rule
}

// Config selects built-in families and carries user rules.
type Config struct {
	// DisabledFamilies names built-in families to skip (sql-injection,
	// xss, path-traversal, command-injection). All are on by default.
	DisabledFamilies []string
	UserRules        []UserRule
}

// New compiles the rule set. Pattern errors surface here.
func New(cfg Config) (*WAF, error) {
	disabled := make(map[string]bool, len(cfg.DisabledFamilies))
	for _, f := range cfg.DisabledFamilies {
		disabled[f] = true
	}

	w := &WAF{}
	for _, fam := range builtinFamilies {
		if disabled[fam.family] {
			continue
		}
		for i, pat := range fam.patterns {
			re, err := regexp.Compile(pat)
			if err != nil {
				return nil, fmt.Errorf("waf: builtin %s pattern %d: %w", fam.family, i, err)
			}
			w.rules = append(w.rules, Rule{
				ID:     fmt.Sprintf("%s-%03d", fam.family, i+1),
				Action: ActionBlock,
				re:     re,
			})
		}
	}

	for _, ur := range cfg.UserRules {
		if ur.ID == "" {
			return nil, fmt.Errorf("waf: user rule without id")
		}
		action := ur.Action
		if action == "" {
			action = ActionBlock
		}
		switch action {
		case ActionLog, ActionChallenge, ActionBlock:
		default:
			return nil, fmt.Errorf("waf: rule %s: unknown action %q", ur.ID, ur.Action)
		}
		r := Rule{ID: ur.ID, Action: action}
		if ur.Literal {
			r.literal = strings.ToLower(ur.Pattern)
		} else {
			re, err := regexp.Compile(ur.Pattern)
			if err != nil {
				return nil, fmt.Errorf("waf: rule %s: %w", ur.ID, err)
			}
			r.re = re
		}
		w.rules = append(w.rules, r)
	}
	return w, nil
}

// Analyze inspects the request's path, every query value, every header
// value, and the body.
func (w *WAF) Analyze(req *core.Request) Result {
	res := Result{Action: ActionLog}

	w.scan(&res, "path", req.Path)
	for name, values := range req.Query {
		for _, v := range values {
			w.scan(&res, "query:"+name, v)
		}
	}
	for name, values := range req.Header {
		for _, v := range values {
			w.scan(&res, "header:"+strings.ToLower(name), v)
		}
	}
	if len(req.Body) > 0 {
		w.scan(&res, "body", string(req.Body))
	}
	return res
}

func (w *WAF) scan(res *Result, location, value string) {
	if value == "" {
		return
	}
	for i := range w.rules {
		r := &w.rules[i]
		var hit bool
		if r.re != nil {
			hit = r.re.MatchString(value)
		} else {
			hit = strings.Contains(strings.ToLower(value), r.literal)
		}
		if hit {
			res.Matches = append(res.Matches, Match{
				RuleID:   r.ID,
				Action:   r.Action,
				Location: location,
			})
			res.Action = moreRestrictive(res.Action, r.Action)
		}
	}
}
