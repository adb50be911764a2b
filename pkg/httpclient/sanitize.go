package httpclient

import (
	"net/url"
	"strings"
)

// secretHints flags query parameter names whose values must never reach logs.
// Matched as case-insensitive substrings, so api_key, apiKey and X-Token all
// trip on "key" and "token".
var secretHints = []string{"key", "token", "password", "auth", "secret", "credential"}

// sanitizeURL returns u with secret-bearing query parameter values replaced.
func sanitizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}

	q := u.Query()
	redacted := false
	for name := range q {
		lower := strings.ToLower(name)
		for _, hint := range secretHints {
			if strings.Contains(lower, hint) {
				q.Set(name, "[REDACTED]")
				redacted = true
				break
			}
		}
	}
	if !redacted {
		return u.String()
	}

	safe := *u
	safe.RawQuery = q.Encode()
	return safe.String()
}
