package websocket

import (
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// AllOrigins returns a CheckOriginFn that allows every origin
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// AllowOrigins returns a CheckOriginFn that allows the listed origins.
// Entries are compared as lower-case scheme://host; "*" allows everything
// and invalid entries are skipped. Requests without an Origin header are not
// from a browser and are allowed.
func AllowOrigins(origins []string, logger *zap.Logger) CheckOriginFn {
	if logger == nil {
		logger = zap.NewNop()
	}

	allowed, allowAll := normalizeOrigins(origins, logger)
	if allowAll {
		return AllOrigins()
	}

	return func(r *http.Request) bool {
		header := r.Header.Get("Origin")
		if header == "" {
			return true
		}

		origin, ok := normalizeOrigin(header)
		if ok {
			if _, exists := allowed[origin]; exists {
				return true
			}
		}

		logger.Warn("blocked websocket connection from disallowed origin", zap.String("origin", header))
		return false
	}
}

func normalizeOrigins(origins []string, logger *zap.Logger) (map[string]struct{}, bool) {
	normalized := make(map[string]struct{}, len(origins))

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}

		if trimmed == "*" {
			return nil, true
		}

		normalizedOrigin, ok := normalizeOrigin(trimmed)
		if !ok {
			logger.Warn("ignoring invalid origin in configuration", zap.String("origin", origin))
			continue
		}

		normalized[normalizedOrigin] = struct{}{}
	}

	return normalized, false
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
