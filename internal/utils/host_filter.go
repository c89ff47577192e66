package utils

import "strings"

// HostFilter decides which target hosts the proxy intercepts. An empty
// allowlist matches everything; entries are exact hostnames or wildcard
// patterns like "*.example.com" (which also matches the bare apex).
type HostFilter struct {
	patterns []string
}

func NewHostFilter(allowed []string) *HostFilter {
	patterns := make([]string, 0, len(allowed))
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		if a != "" {
			patterns = append(patterns, a)
		}
	}
	return &HostFilter{patterns: patterns}
}

func (hf *HostFilter) Allowed(host string) bool {
	if len(hf.patterns) == 0 {
		return true
	}

	host = strings.ToLower(host)
	for _, p := range hf.patterns {
		if matchHost(p, host) {
			return true
		}
	}
	return false
}

func matchHost(pattern, host string) bool {
	if pattern == host {
		return true
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return host == suffix || strings.HasSuffix(host, "."+suffix)
	}
	return false
}
