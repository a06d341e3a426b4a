package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EndpointRule limits one method and path for every key, in addition to
// the key's own limit.
type EndpointRule struct {
	Method string
	Path   string
	Limit  int
	Window time.Duration
}

// EndpointRules is an ordered rule set. The first match wins.
type EndpointRules []EndpointRule

// Match returns the rule for method and path. Method "*" matches any method.
func (rs EndpointRules) Match(method, path string) (EndpointRule, bool) {
	for _, r := range rs {
		if (r.Method == "*" || strings.EqualFold(r.Method, method)) && r.Path == path {
			return r, true
		}
	}
	return EndpointRule{}, false
}

// ParseEndpointRules parses "METHOD /path=N/window" entries separated by
// commas, e.g. "POST /api/v1/echo=5/1m, * /api/v1/whoami=100/1h".
func ParseEndpointRules(s string) (EndpointRules, error) {
	var rules EndpointRules
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		target, spec, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("endpoint rate limit %q: missing '='", entry)
		}
		method, path, ok := strings.Cut(strings.TrimSpace(target), " ")
		path = strings.TrimSpace(path)
		if !ok || method == "" || !strings.HasPrefix(path, "/") {
			return nil, fmt.Errorf("endpoint rate limit %q: want \"METHOD /path\"", entry)
		}

		n, w, ok := strings.Cut(strings.TrimSpace(spec), "/")
		if !ok {
			return nil, fmt.Errorf("endpoint rate limit %q: want N/window", entry)
		}
		limit, err := strconv.Atoi(n)
		if err != nil || limit <= 0 {
			return nil, fmt.Errorf("endpoint rate limit %q: invalid limit %q", entry, n)
		}
		window, err := time.ParseDuration(w)
		if err != nil || window <= 0 {
			return nil, fmt.Errorf("endpoint rate limit %q: invalid window %q", entry, w)
		}

		rules = append(rules, EndpointRule{
			Method: strings.ToUpper(method),
			Path:   path,
			Limit:  limit,
			Window: window,
		})
	}
	return rules, nil
}
