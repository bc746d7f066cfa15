// Package openai adapts the OpenAI chat completion API to summarizer.Service.
package openai

import (
	"context"
	"errors"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/pep299/daily-digest/internal/summarizer"
)

const systemPrompt = "You write two or three plain sentences summarizing an item for a daily reading digest. " +
	"Do not add a preamble or markdown."

// Client is a summarizer.Service backed by go-openai.
type Client struct {
	api   *goopenai.Client
	model string
}

// NewClient creates a client. An empty baseURL uses the public endpoint.
func NewClient(token, model, baseURL string) *Client {
	cfg := goopenai.DefaultConfig(token)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if model == "" {
		model = goopenai.GPT3Dot5Turbo
	}
	return &Client{api: goopenai.NewClientWithConfig(cfg), model: model}
}

func (c *Client) Name() string { return "openai" }

func (c *Client) Summarize(ctx context.Context, text string, maxOutputLen int) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:       c.model,
		MaxTokens:   maxOutputLen,
		Temperature: 0.3,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: goopenai.ChatMessageRoleUser, Content: text},
		},
	})
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", &summarizer.ServiceError{Kind: summarizer.ServiceUnavailable, Err: errors.New("no choices in response")}
	}
	summary := strings.TrimSpace(resp.Choices[0].Message.Content)
	if summary == "" {
		return "", &summarizer.ServiceError{Kind: summarizer.ServiceUnavailable, Err: errors.New("empty completion")}
	}
	return summary, nil
}

func classify(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return summarizer.FromStatus(apiErr.HTTPStatusCode, err)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return summarizer.FromStatus(reqErr.HTTPStatusCode, err)
	}
	return &summarizer.ServiceError{Kind: summarizer.KindOf(err), Err: err}
}
