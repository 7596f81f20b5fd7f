package core

// Consumer is the authenticated identity attached to a request by admission.
// It may come from an API key record, JWT claims, or an OAuth introspection
// result.
type Consumer struct {
	ID       string
	Name     string
	AuthType string
	Scopes   []string
	Claims   map[string]any
	Metadata map[string]string
}

// HasScope reports whether the consumer carries the named scope.
func (c *Consumer) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// HasAllScopes reports whether every required scope is present.
func (c *Consumer) HasAllScopes(required []string) bool {
	for _, s := range required {
		if !c.HasScope(s) {
			return false
		}
	}
	return true
}
