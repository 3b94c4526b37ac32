package notify

import (
	"net/url"
	"strings"
)

// isTestSink reports whether endpoint's host is, or is below, one of domains.
func isTestSink(endpoint string, domains []string) bool {
	if len(domains) == 0 {
		return false
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	for _, d := range domains {
		d = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "."))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
