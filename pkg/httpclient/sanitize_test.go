package httpclient

import (
	"net/url"
	"strings"
	"testing"
)

func TestSanitizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "api key redacted",
			in:   "https://example.com/poll?api_key=hunter2&page=1",
			want: "https://example.com/poll?api_key=%5BREDACTED%5D&page=1",
		},
		{
			name: "token redacted case insensitively",
			in:   "https://example.com/poll?Access_Token=abc",
			want: "https://example.com/poll?Access_Token=%5BREDACTED%5D",
		},
		{
			name: "plain params untouched",
			in:   "https://example.com/poll?page=2&limit=50",
			want: "https://example.com/poll?page=2&limit=50",
		},
		{
			name: "no query",
			in:   "https://example.com/poll",
			want: "https://example.com/poll",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.in)
			if err != nil {
				t.Fatalf("failed to parse URL: %v", err)
			}
			got := sanitizeURL(u)
			if got != tt.want {
				t.Errorf("sanitizeURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if strings.Contains(got, "hunter2") || strings.Contains(got, "abc") {
				t.Errorf("secret survived sanitization: %q", got)
			}
		})
	}
}

func TestSanitizeURLNil(t *testing.T) {
	if got := sanitizeURL(nil); got != "" {
		t.Errorf("expected empty string for nil URL, got %q", got)
	}
}
