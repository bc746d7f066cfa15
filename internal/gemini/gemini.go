package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pep299/daily-digest/internal/summarizer"
)

// Client calls the Gemini generateContent API.
type Client struct {
	apiKey     string
	model      string
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a new Gemini API client
func NewClient(apiKey, model string) *Client {
	return &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: "https://generativelanguage.googleapis.com/v1beta/models",
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// WithBaseURL points the client at another endpoint.
func (c *Client) WithBaseURL(baseURL string) *Client {
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// geminiRequest represents the request structure for Gemini API
type geminiRequest struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopP            float64 `json:"topP"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

// geminiResponse represents the response structure from Gemini API
type geminiResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

func (c *Client) Name() string { return "gemini" }

// Summarize asks the model for a short digest summary of text.
func (c *Client) Summarize(ctx context.Context, text string, maxOutputLen int) (string, error) {
	geminiReq := geminiRequest{
		Contents: []geminiContent{
			{Parts: []geminiPart{{Text: buildPrompt(text)}}},
		},
		GenerationConfig: generationConfig{
			Temperature:     0.3,
			TopP:            0.8,
			MaxOutputTokens: maxOutputLen,
		},
	}

	body, err := json.Marshal(geminiReq)
	if err != nil {
		return "", &summarizer.ServiceError{Kind: summarizer.InvalidInput, Err: fmt.Errorf("marshaling request: %w", err)}
	}

	url := fmt.Sprintf("%s/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return "", &summarizer.ServiceError{Kind: summarizer.InvalidInput, Err: fmt.Errorf("creating request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &summarizer.ServiceError{Kind: summarizer.KindOf(err), Err: fmt.Errorf("sending request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		serr := summarizer.FromStatus(resp.StatusCode, fmt.Errorf("API request failed: %s", strings.TrimSpace(string(bodyBytes))))
		serr.RetryAfter = retryAfter(resp.Header.Get("Retry-After"))
		return "", serr
	}

	var geminiResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return "", &summarizer.ServiceError{Kind: summarizer.ServiceUnavailable, Err: fmt.Errorf("decoding response: %w", err)}
	}

	if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
		if len(geminiResp.Candidates) > 0 && geminiResp.Candidates[0].FinishReason == "SAFETY" {
			return "", &summarizer.ServiceError{Kind: summarizer.InvalidInput, Err: errors.New("response blocked by safety filter")}
		}
		return "", &summarizer.ServiceError{Kind: summarizer.ServiceUnavailable, Err: errors.New("no content in response")}
	}

	return parseResponse(geminiResp.Candidates[0].Content.Parts[0].Text), nil
}

// buildPrompt creates a prompt for the Gemini API
func buildPrompt(text string) string {
	var content strings.Builder

	content.WriteString("Summarize the following item for a daily reading digest.\n")
	content.WriteString("Reply with JSON only: {\"summary\": \"two or three plain sentences\"}\n\n")
	content.WriteString("Item:\n")
	content.WriteString(text)

	return content.String()
}

// parseResponse extracts the summary field, falling back to the raw text
// when the model ignored the requested format.
func parseResponse(responseText string) string {
	start := strings.Index(responseText, "{")
	end := strings.LastIndex(responseText, "}") + 1
	if start == -1 || end <= start {
		return strings.TrimSpace(responseText)
	}

	var response struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(responseText[start:end]), &response); err != nil || response.Summary == "" {
		return strings.TrimSpace(responseText)
	}
	return strings.TrimSpace(response.Summary)
}

func retryAfter(header string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
