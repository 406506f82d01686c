package dedup

import (
	"net/url"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// DefaultCategory is assigned to items whose source reports no category.
const DefaultCategory = "article"

// singularCategories maps the plural names used by the highlight export to
// the reader's singular ones.
var singularCategories = map[string]string{
	"articles": "article",
	"podcasts": "podcast",
	"tweets":   "tweet",
	"books":    "book",
}

// NormalizeCategory returns the stored form of a category: "linkedin" for
// linkedin.com URLs, otherwise the lowercase singular name, defaulting to
// DefaultCategory.
func NormalizeCategory(category, rawURL string) string {
	if strings.Contains(strings.ToLower(rawURL), "linkedin.com") {
		return "linkedin"
	}
	c := strings.ToLower(strings.TrimSpace(category))
	if c == "" {
		return DefaultCategory
	}
	if singular, ok := singularCategories[c]; ok {
		return singular
	}
	return c
}

// NormalizeURL returns the canonical form used for identity: lowercase,
// https, no "www.", no trailing slash, no query, params or fragment.
// It returns "" for empty or unparsable input.
func NormalizeURL(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "http://") {
		raw = "https://" + strings.TrimPrefix(raw, "http://")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.TrimPrefix(u.Host, "www.")
	path := strings.TrimRight(u.Path, "/")
	if i := strings.IndexByte(path, ';'); i >= 0 {
		path = path[:i]
	}
	out := (&url.URL{Scheme: u.Scheme, Host: host, Path: path}).String()
	if out == "" {
		return ""
	}
	return out
}

// NormalizeHighlightText applies NFC normalization and collapses whitespace.
func NormalizeHighlightText(text string) string {
	return strings.Join(strings.Fields(norm.NFC.String(text)), " ")
}
