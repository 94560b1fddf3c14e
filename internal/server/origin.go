package server

import (
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// originPolicy decides which browser origins may open a websocket
type originPolicy struct {
	allowed  map[string]struct{}
	allowAll bool
	logger   *zap.SugaredLogger
}

func newOriginPolicy(logger *zap.SugaredLogger, origins []string) *originPolicy {
	p := &originPolicy{allowed: make(map[string]struct{}), logger: logger}
	if len(origins) == 0 {
		p.allowAll = true
		return p
	}

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			p.allowAll = true
			continue
		}

		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			logger.Warnf("Ignoring invalid origin in configuration: %q", origin)
			continue
		}
		p.allowed[normalized] = struct{}{}
	}

	return p
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// check is used as websocket.Upgrader.CheckOrigin. Requests without an Origin header come from
// non-browser clients and are accepted
func (p *originPolicy) check(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" || p.allowAll {
		return true
	}

	normalized, ok := normalizeOrigin(header)
	if ok {
		if _, exists := p.allowed[normalized]; exists {
			return true
		}
	}

	p.logger.Warnf("Blocked websocket connection from disallowed origin %q", header)
	return false
}
