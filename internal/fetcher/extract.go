package fetcher

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Document is the readable part of an HTML page.
type Document struct {
	Title string
	Text  string
	HTML  string
}

var (
	noiseSelectors = "script, style, noscript, iframe, svg, form, nav, header, footer, aside, " +
		"[role=navigation], [role=banner], [role=contentinfo], [aria-hidden=true], .advertisement, .share, .related"
	rootSelectors  = []string{"article", "main", "[role=main]", "#content", ".post-content", ".entry-content"}
	blockSelectors = "h1, h2, h3, h4, h5, h6, p, li, blockquote, pre, figcaption, td"
)

// Extract parses body and returns its main text. Paragraph-level blocks are
// joined by blank lines; whitespace inside a block is collapsed.
func Extract(body []byte) (Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Document{}, fmt.Errorf("parse document: %w", err)
	}
	title := strings.TrimSpace(doc.Find(`meta[property="og:title"]`).AttrOr("content", ""))
	if title == "" {
		title = collapse(doc.Find("title").First().Text())
	}

	doc.Find(noiseSelectors).Remove()
	root := doc.Find("body")
	for _, sel := range rootSelectors {
		if candidate := doc.Find(sel).First(); candidate.Length() > 0 && len(collapse(candidate.Text())) > 0 {
			root = candidate
			break
		}
	}

	var blocks []string
	root.Find(blockSelectors).Each(func(_ int, s *goquery.Selection) {
		// Nested blocks (a p inside a li) are emitted by the innermost match.
		if s.Find(blockSelectors).Length() > 0 {
			return
		}
		if text := collapse(s.Text()); text != "" {
			blocks = append(blocks, text)
		}
	})
	text := strings.Join(blocks, "\n\n")
	if text == "" {
		text = collapse(root.Text())
	}

	html, err := root.Html()
	if err != nil {
		return Document{}, fmt.Errorf("render content html: %w", err)
	}
	return Document{Title: title, Text: text, HTML: strings.TrimSpace(html)}, nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
