package fingerprint

import (
	"testing"

	"github.com/pep299/daily-digest/internal/model"
)

func TestCanonicalURL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "tracking params removed",
			input:    "https://example.com/article/123?utm_source=test&utm_medium=rss",
			expected: "https://example.com/article/123",
		},
		{
			name:     "fragment removed",
			input:    "https://example.com/article/789#section1",
			expected: "https://example.com/article/789",
		},
		{
			name:     "scheme host and trailing slash",
			input:    "http://WWW.Example.com/post/",
			expected: "https://example.com/post",
		},
		{
			name:     "meaningful query kept and sorted",
			input:    "https://www.youtube.com/watch?v=abc&feature=share",
			expected: "https://youtube.com/watch?feature=share&v=abc",
		},
		{
			name:     "empty",
			input:    "  ",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanonicalURL(tt.input); got != tt.expected {
				t.Errorf("Expected '%s', got '%s'", tt.expected, got)
			}
		})
	}
}

func TestKeyPrecedence(t *testing.T) {
	tests := []struct {
		name     string
		item     model.Item
		expected string
	}{
		{
			name:     "external id wins",
			item:     model.Item{SourceID: "arXiv", ExternalID: "2401.00001v1", URL: "https://arxiv.org/abs/2401.00001v1", Title: "T"},
			expected: "id:arxiv:2401.00001v1",
		},
		{
			name:     "url when no id",
			item:     model.Item{SourceID: "lobsters", URL: "https://example.com/a?utm_source=x", Title: "T"},
			expected: "url:https://example.com/a",
		},
		{
			name:     "title last",
			item:     model.Item{SourceID: "news", Title: "  Hello   WORLD "},
			expected: "title:news:hello world",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Key(tt.item); got != tt.expected {
				t.Errorf("Expected '%s', got '%s'", tt.expected, got)
			}
		})
	}
}

func TestOfIgnoresCosmeticDifferences(t *testing.T) {
	a := model.Item{SourceID: "hn", URL: "https://example.com/x#top", Title: "One"}
	b := model.Item{SourceID: "lobsters", URL: "http://www.example.com/x/", Title: "Another title"}

	if Of(a) != Of(b) {
		t.Errorf("Expected equal fingerprints for the same canonical URL")
	}

	c := model.Item{SourceID: "hn", URL: "https://example.com/y"}
	if Of(a) == Of(c) {
		t.Errorf("Expected different fingerprints for different URLs")
	}

	if len(Of(a)) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(Of(a)))
	}
}

func TestNormalizeTextFullWidth(t *testing.T) {
	if got := NormalizeText("ＧＯ  Lang"); got != "go lang" {
		t.Errorf("Expected 'go lang', got '%s'", got)
	}
}
