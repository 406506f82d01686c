package fetcher

import (
	"net/url"
	"strings"
)

var paywallDomains = []string{
	"medium.com",
	"nytimes.com",
	"wsj.com",
	"ft.com",
	"economist.com",
	"bloomberg.com",
	"washingtonpost.com",
	"theathletic.com",
	"businessinsider.com",
	"seekingalpha.com",
}

var jsRequiredDomains = []string{
	"twitter.com",
	"x.com",
	"instagram.com",
	"facebook.com",
	"linkedin.com",
}

// Domain returns the lowercased host of raw without "www." or a port.
func Domain(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// IsPaywalled reports whether the domain is a known subscription site.
func IsPaywalled(domain string) bool {
	return matchesAny(domain, paywallDomains)
}

// RequiresJS reports whether the domain only renders with JavaScript.
func RequiresJS(domain string) bool {
	return matchesAny(domain, jsRequiredDomains)
}

func matchesAny(domain string, list []string) bool {
	for _, d := range list {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}
