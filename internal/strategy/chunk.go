package strategy

import (
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/corpus-jobs/internal/provider"
)

// charsPerToken matches provider.EstimateTokens.
const charsPerToken = 4

// ChunkText packs paragraphs into chunks of at most maxTokens estimated
// tokens. A paragraph longer than the limit is split on word boundaries.
func ChunkText(text string, maxTokens int) []string {
	if maxTokens <= 0 {
		maxTokens = defaultChunkTokens
	}
	maxChars := maxTokens * charsPerToken

	var (
		chunks []string
		cur    strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
	}
	for _, para := range paragraphs(text) {
		for _, piece := range splitLong(para, maxChars) {
			if cur.Len() > 0 && utf8.RuneCountInString(cur.String())+2+utf8.RuneCountInString(piece) > maxChars {
				flush()
			}
			if cur.Len() > 0 {
				cur.WriteString("\n\n")
			}
			cur.WriteString(piece)
		}
	}
	flush()
	return chunks
}

func paragraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.Join(strings.Fields(p), " "); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitLong(para string, maxChars int) []string {
	if utf8.RuneCountInString(para) <= maxChars {
		return []string{para}
	}
	var (
		out []string
		cur strings.Builder
		n   int
	)
	for _, word := range strings.Fields(para) {
		w := utf8.RuneCountInString(word)
		if n > 0 && n+1+w > maxChars {
			out = append(out, cur.String())
			cur.Reset()
			n = 0
		}
		for w > maxChars {
			r := []rune(word)
			out = append(out, string(r[:maxChars]))
			word = string(r[maxChars:])
			w -= maxChars
		}
		if n > 0 {
			cur.WriteByte(' ')
			n++
		}
		cur.WriteString(word)
		n += w
	}
	if n > 0 {
		out = append(out, cur.String())
	}
	return out
}

func chunkTokens(text string) int {
	return int(provider.EstimateTokens(text))
}
