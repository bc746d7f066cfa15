package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/pep299/daily-digest/internal/digest"
	"github.com/pep299/daily-digest/internal/model"
)

const defaultAPIURL = "https://slack.com/api/chat.postMessage"

// Client delivers digests to a Slack channel via chat.postMessage.
type Client struct {
	botToken   string
	channel    string
	apiURL     string
	httpClient *http.Client
}

// NewClient creates a new Slack client
func NewClient(botToken, channel string) *Client {
	return &Client{
		botToken: botToken,
		channel:  channel,
		apiURL:   defaultAPIURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WithAPIURL overrides the chat.postMessage endpoint.
func (c *Client) WithAPIURL(url string) *Client {
	c.apiURL = url
	return c
}

// ChatPostMessageRequest represents a Slack chat.postMessage request
type ChatPostMessageRequest struct {
	Channel     string `json:"channel"`
	Text        string `json:"text"`
	Username    string `json:"username,omitempty"`
	IconEmoji   string `json:"icon_emoji,omitempty"`
	UnfurlLinks bool   `json:"unfurl_links"`
}

// Send posts the rendered digest. Failures are *model.DeliveryError; rate
// limits and server errors additionally wrap a *model.RetryableError.
func (c *Client) Send(ctx context.Context, d model.Digest) error {
	if err := c.sendMessage(ctx, digest.RenderSlack(d), c.channel); err != nil {
		return &model.DeliveryError{Channel: "slack", Err: err}
	}
	return nil
}

// sendMessage sends a message to the specified Slack channel
func (c *Client) sendMessage(ctx context.Context, text string, channel string) error {
	req := ChatPostMessageRequest{
		Channel:   channel,
		Text:      text,
		Username:  "Daily Digest",
		IconEmoji: ":newspaper:",
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.botToken)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &model.RetryableError{Err: fmt.Errorf("sending request: %w", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &model.RetryableError{
			Delay: retryAfter(resp.Header.Get("Retry-After")),
			Err:   fmt.Errorf("slack API returned status %d", resp.StatusCode),
		}
	case resp.StatusCode >= 500:
		return &model.RetryableError{Err: fmt.Errorf("slack API returned status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("slack API returned status %d", resp.StatusCode)
	}

	var slackResp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error,omitempty"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&slackResp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	if !slackResp.OK {
		if slackResp.Error == "ratelimited" {
			return &model.RetryableError{
				Delay: retryAfter(resp.Header.Get("Retry-After")),
				Err:   fmt.Errorf("slack API error: %s", slackResp.Error),
			}
		}
		return fmt.Errorf("slack API error: %s", slackResp.Error)
	}

	return nil
}

func retryAfter(header string) time.Duration {
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
