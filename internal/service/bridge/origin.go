package bridge

import (
	"net/url"
	"strings"
)

// Wildcard allows any origin when listed explicitly.
const Wildcard = "*"

// OriginPolicy is a strict allow-list of origins. An empty policy rejects
// everything.
type OriginPolicy struct {
	origins  []string
	allowed  map[string]struct{}
	wildcard bool
}

// NewOriginPolicy normalises origins into a policy.
func NewOriginPolicy(origins []string) OriginPolicy {
	policy := OriginPolicy{allowed: make(map[string]struct{}, len(origins))}
	for _, raw := range origins {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if raw == Wildcard {
			policy.wildcard = true
			continue
		}
		origin := NormalizeOrigin(raw)
		if origin == "" {
			continue
		}
		if _, dup := policy.allowed[origin]; dup {
			continue
		}
		policy.allowed[origin] = struct{}{}
		policy.origins = append(policy.origins, origin)
	}
	return policy
}

// Allows reports whether origin may talk to the bridge. Matching is exact
// after normalisation.
func (p OriginPolicy) Allows(origin string) bool {
	if p.wildcard {
		return true
	}
	origin = NormalizeOrigin(origin)
	if origin == "" {
		return false
	}
	_, ok := p.allowed[origin]
	return ok
}

// Wildcard reports whether "*" was configured.
func (p OriginPolicy) Wildcard() bool { return p.wildcard }

// Origins returns the explicit origins in configured order.
func (p OriginPolicy) Origins() []string {
	return append([]string(nil), p.origins...)
}

// Preferred returns the first explicit origin, or "".
func (p OriginPolicy) Preferred() string {
	if len(p.origins) == 0 {
		return ""
	}
	return p.origins[0]
}

// NormalizeOrigin reduces a URL or origin to scheme://host[:port].
func NormalizeOrigin(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	return scheme + "://" + host
}
