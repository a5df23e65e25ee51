package util

import (
	"net/url"
	"strings"
)

// NormalizeTargetURL trims input and lowercases the scheme and host.
// It returns raw unchanged when it does not parse.
func NormalizeTargetURL(raw string) string {
	s := strings.TrimSpace(raw)
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return s
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return u.String()
}

// HostOf returns the host[:port] of a target URL, or "" when it has none.
func HostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
