// Package routing implements the route model and the three-tier resolver:
// exact match, longest-prefix, then regex in registration order.
package routing

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/gantrygw/gantry/internal/plugin"
)

// MatchType selects the resolver tier a route's paths participate in.
type MatchType string

const (
	MatchExact  MatchType = "exact"
	MatchPrefix MatchType = "prefix"
	MatchRegex  MatchType = "regex"
)

var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true,
	"DELETE": true, "HEAD": true, "OPTIONS": true,
}

// Route maps a method+path shape to an upstream and a plugin chain.
type Route struct {
	ID         string
	Name       string
	Methods    []string
	Paths      []string
	Match      MatchType
	UpstreamID string
	Plugins    []plugin.Descriptor
	Enabled    bool

	// StripPrefix removes the matched prefix from the forwarded path.
	// Only meaningful for prefix routes.
	StripPrefix bool

	methodSet map[string]bool
	regexes   []*regexp.Regexp
}

// compile validates the route and prepares derived state. Regex failures
// surface here so resolution can never fail on a bad pattern.
func (r *Route) compile() error {
	if r.ID == "" {
		return fmt.Errorf("route: missing id")
	}
	if len(r.Paths) == 0 {
		return fmt.Errorf("route %s: at least one path required", r.ID)
	}
	if len(r.Methods) == 0 {
		return fmt.Errorf("route %s: at least one method required", r.ID)
	}
	switch r.Match {
	case MatchExact, MatchPrefix, MatchRegex:
	case "":
		r.Match = MatchExact
	default:
		return fmt.Errorf("route %s: unknown match type %q", r.ID, r.Match)
	}

	r.methodSet = make(map[string]bool, len(r.Methods))
	for i, m := range r.Methods {
		m = strings.ToUpper(m)
		if !knownMethods[m] {
			return fmt.Errorf("route %s: unknown method %q", r.ID, r.Methods[i])
		}
		r.Methods[i] = m
		r.methodSet[m] = true
	}

	if r.Match == MatchRegex {
		r.regexes = make([]*regexp.Regexp, len(r.Paths))
		for i, p := range r.Paths {
			re, err := regexp.Compile(p)
			if err != nil {
				return fmt.Errorf("route %s: invalid regex %q: %w", r.ID, p, err)
			}
			r.regexes[i] = re
		}
	}
	return nil
}

// AllowsMethod reports whether the route accepts the (upper-cased) method.
func (r *Route) AllowsMethod(method string) bool {
	return r.methodSet[method]
}

// PathParams extracts :name segments from pattern against path. Both must
// have the same segment arity and every literal segment must match. Values
// are percent-decoded.
func PathParams(pattern, path string) (map[string]string, bool) {
	patSegs := splitSegments(pattern)
	pathSegs := splitSegments(path)
	if len(patSegs) != len(pathSegs) {
		return nil, false
	}
	params := make(map[string]string)
	for i, ps := range patSegs {
		if strings.HasPrefix(ps, ":") && len(ps) > 1 {
			params[ps[1:]] = decodeSegment(pathSegs[i])
			continue
		}
		if ps != pathSegs[i] {
			return nil, false
		}
	}
	return params, true
}

func splitSegments(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func decodeSegment(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	if dec, err := url.PathUnescape(s); err == nil {
		return dec
	}
	return s
}
