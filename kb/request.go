package kb

import (
	"net/http"
	"strings"
)

const (
	headerAuthorization = "Authorization"
	headerSessionToken  = "x-auth-token"
	headerContentType   = "Content-Type"
	headerRequestID     = "X-Request-ID"

	contentTypeJSON = "application/json"
)

// buildURL joins base and endpoint with exactly one slash between them.
// Only a single trailing slash on base is removed; nothing else is normalized.
func buildURL(base, endpoint string) string {
	base = strings.TrimSuffix(base, "/")
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return base + endpoint
}

// buildHeaders layers default headers, one auth header and per-call overrides.
// apiKey wins over sessionToken.
func buildHeaders(defaults map[string]string, apiKey, sessionToken string, overrides map[string]string) http.Header {
	h := make(http.Header, len(defaults)+len(overrides)+1)
	for k, v := range defaults {
		h.Set(k, v)
	}

	switch {
	case apiKey != "":
		h.Set(headerAuthorization, "Bearer "+apiKey)
	case sessionToken != "":
		h.Set(headerSessionToken, sessionToken)
	}

	for k, v := range overrides {
		h.Set(k, v)
	}
	return h
}

// hasHeader looks up key case-insensitively.
func hasHeader(headers map[string]string, key string) bool {
	for k := range headers {
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}

// withHeader returns a copy of headers with key set.
func withHeader(headers map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	out[key] = value
	return out
}

func lookupHeader(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}
