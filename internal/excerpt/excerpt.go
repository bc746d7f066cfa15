// Package excerpt turns raw item excerpts into bounded plain text.
package excerpt

import (
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/pep299/daily-digest/internal/model"
)

// DefaultFallbackChars bounds the excerpt used when summarization fails.
const DefaultFallbackChars = 280

// Plain strips HTML markup and collapses whitespace.
func Plain(raw string) string {
	if strings.ContainsAny(raw, "<&") {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw)); err == nil {
			doc.Find("script, style, noscript").Remove()
			raw = doc.Text()
		}
	}
	return strings.Join(strings.Fields(raw), " ")
}

// Truncate cuts s to at most max runes, preferring a word boundary, and
// appends an ellipsis when anything was removed.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	cut := string(runes[:max-1])
	if runes[max-1] != ' ' {
		if i := strings.LastIndexByte(cut, ' '); i > len(cut)/2 {
			cut = cut[:i]
		}
	}
	return strings.TrimRight(cut, " ,.;:") + "…"
}

// ForPrompt builds the bounded text sent to the summarization service.
func ForPrompt(item model.Item, maxChars int) string {
	body := Plain(item.RawExcerpt)
	title := strings.TrimSpace(item.Title)
	switch {
	case body == "":
		return Truncate(title, maxChars)
	case title == "":
		return Truncate(body, maxChars)
	}
	return Truncate(title+"\n\n"+body, maxChars)
}

// Fallback is the summary used when the summarization service gave up.
func Fallback(item model.Item, maxChars int) string {
	if maxChars <= 0 {
		maxChars = DefaultFallbackChars
	}
	if text := Plain(item.RawExcerpt); text != "" {
		return Truncate(text, maxChars)
	}
	return Truncate(strings.TrimSpace(item.Title), maxChars)
}
