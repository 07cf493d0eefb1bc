package websocket

import (
	"net/http"
	"net/url"
	"strings"
)

// OriginPolicy decides which browser origins may reach the local control surface.
// Same-host origins always pass, other origins only when allow-listed.
type OriginPolicy struct {
	allowed map[string]struct{}
}

// NewOriginPolicy creates a policy allowing the given origins, e.g. "http://localhost:5173"
func NewOriginPolicy(origins ...string) *OriginPolicy {
	p := &OriginPolicy{allowed: make(map[string]struct{}, len(origins))}
	for _, origin := range origins {
		if origin = normalizeOrigin(origin); origin != "" {
			p.allowed[origin] = struct{}{}
		}
	}
	return p
}

// AllowOrigin reports whether origin is on the allow-list
func (p *OriginPolicy) AllowOrigin(origin string) bool {
	if p == nil {
		return false
	}
	_, ok := p.allowed[normalizeOrigin(origin)]
	return ok
}

// Check reports whether r may proceed. Requests without an Origin header do not come
// from a browser page and pass.
func (p *OriginPolicy) Check(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	return p.AllowOrigin(origin)
}

func normalizeOrigin(origin string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(origin)), "/")
}
