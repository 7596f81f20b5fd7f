package routing

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/gantrygw/gantry/internal/errors"
)

type prefixEntry struct {
	prefix string // trailing slash trimmed
	route  *Route
}

type regexEntry struct {
	re    *regexp.Regexp
	route *Route
}

// Table is an immutable snapshot of the route set with its three resolver
// indexes. Callers publish new tables with an atomic pointer swap; a table
// is never mutated after NewTable returns.
type Table struct {
	exact    map[string]*Route // keyed METHOD + " " + path
	prefixes []prefixEntry     // descending prefix length, stable
	regexes  []regexEntry      // registration order
	byID     map[string]*Route
	order    []string
}

// NewTable compiles and indexes routes. Validation and regex compilation
// errors surface here, at registration time.
func NewTable(routes []*Route) (*Table, error) {
	t := &Table{
		exact: make(map[string]*Route),
		byID:  make(map[string]*Route, len(routes)),
	}
	for _, r := range routes {
		if err := r.compile(); err != nil {
			return nil, err
		}
		if _, dup := t.byID[r.ID]; dup {
			return nil, fmt.Errorf("route %s: duplicate id", r.ID)
		}
		t.byID[r.ID] = r
		t.order = append(t.order, r.ID)

		switch r.Match {
		case MatchExact:
			for _, p := range r.Paths {
				for m := range r.methodSet {
					key := m + " " + p
					if _, dup := t.exact[key]; dup {
						return nil, fmt.Errorf("route %s: duplicate exact binding %q", r.ID, key)
					}
					t.exact[key] = r
				}
			}
		case MatchPrefix:
			for _, p := range r.Paths {
				t.prefixes = append(t.prefixes, prefixEntry{
					prefix: strings.TrimSuffix(p, "/"),
					route:  r,
				})
			}
		case MatchRegex:
			for i := range r.Paths {
				t.regexes = append(t.regexes, regexEntry{re: r.regexes[i], route: r})
			}
		}
	}

	sort.SliceStable(t.prefixes, func(i, j int) bool {
		return len(t.prefixes[i].prefix) > len(t.prefixes[j].prefix)
	})
	return t, nil
}

// Resolve matches method and path against the three tiers in order:
// exact, longest prefix, regex. Disabled routes are still returned; the
// engine owns disabled-route semantics. Misses return a RouteNotFound error.
func (t *Table) Resolve(method, path string) (*Route, error) {
	method = strings.ToUpper(method)

	if r, ok := t.exact[method+" "+path]; ok {
		return r, nil
	}

	for _, e := range t.prefixes {
		if !e.route.AllowsMethod(method) {
			continue
		}
		if matchesPrefix(path, e.prefix) {
			return e.route, nil
		}
	}

	for _, e := range t.regexes {
		if !e.route.AllowsMethod(method) {
			continue
		}
		if e.re.MatchString(path) {
			return e.route, nil
		}
	}

	return nil, errors.RouteNotFound(method, path)
}

// matchesPrefix implements slash-aware prefix semantics: prefix /api matches
// /api and /api/..., never /apifoo. An empty prefix (registered as "/")
// matches everything.
func matchesPrefix(path, prefix string) bool {
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	rest := path[len(prefix):]
	return rest == "" || rest[0] == '/'
}

// Get returns a route by ID.
func (t *Table) Get(id string) (*Route, bool) {
	r, ok := t.byID[id]
	return r, ok
}

// Routes returns all routes in registration order.
func (t *Table) Routes() []*Route {
	out := make([]*Route, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.byID[id])
	}
	return out
}

// Len returns the number of registered routes.
func (t *Table) Len() int { return len(t.byID) }
