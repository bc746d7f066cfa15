package digest

import (
	"fmt"
	"strings"

	"github.com/pep299/daily-digest/internal/model"
)

var slackEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

var markdownEscaper = strings.NewReplacer("[", `\[`, "]", `\]`)

// RenderSlack formats a digest as Slack mrkdwn.
func RenderSlack(d model.Digest) string {
	var b strings.Builder
	date := model.DateKey(d.RunDate)
	if len(d.Items) == 0 {
		fmt.Fprintf(&b, "*Daily digest for %s*\nNothing new today.\n", date)
		return b.String()
	}

	fmt.Fprintf(&b, "*Daily digest for %s* (%s)\n", date, countItems(len(d.Items)))
	for i, e := range d.Items {
		title := slackEscaper.Replace(e.Item.Title)
		if e.Item.URL != "" {
			title = "<" + e.Item.URL + "|" + title + ">"
		}
		fmt.Fprintf(&b, "\n%d. *%s*\n_%s_%s\n%s\n",
			i+1, title, e.Item.SourceID, fallbackNote(e), slackEscaper.Replace(e.Summary.SummaryText))
	}
	return b.String()
}

// RenderMarkdown formats a digest as plain Markdown.
func RenderMarkdown(d model.Digest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Daily digest for %s\n", model.DateKey(d.RunDate))
	if len(d.Items) == 0 {
		b.WriteString("\nNothing new today.\n")
		return b.String()
	}

	for i, e := range d.Items {
		title := markdownEscaper.Replace(e.Item.Title)
		if e.Item.URL != "" {
			title = "[" + title + "](" + e.Item.URL + ")"
		}
		fmt.Fprintf(&b, "\n## %d. %s\n\n*%s*%s\n\n%s\n",
			i+1, title, e.Item.SourceID, fallbackNote(e), e.Summary.SummaryText)
	}
	return b.String()
}

func fallbackNote(e model.DigestEntry) string {
	if e.Summary.Status == model.SummaryFallback {
		return " (excerpt)"
	}
	return ""
}

func countItems(n int) string {
	if n == 1 {
		return "1 item"
	}
	return fmt.Sprintf("%d items", n)
}
