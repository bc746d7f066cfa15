// Package telegram delivers digests through the Telegram Bot API.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pep299/daily-digest/internal/digest"
	"github.com/pep299/daily-digest/internal/excerpt"
	"github.com/pep299/daily-digest/internal/model"
)

// maxMessageChars is the Bot API limit for one message.
const maxMessageChars = 4096

// Notifier sends digests to a Telegram chat.
type Notifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
}

// NewNotifier registers bot token and chat identifier.
func NewNotifier(botToken, chatID string) *Notifier {
	return &Notifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  "https://api.telegram.org",
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

// WithBaseURL points the notifier at another Bot API host.
func (n *Notifier) WithBaseURL(baseURL string) *Notifier {
	n.baseURL = strings.TrimRight(baseURL, "/")
	return n
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Send posts the digest as one plain-text message.
func (n *Notifier) Send(ctx context.Context, d model.Digest) error {
	if err := n.send(ctx, excerpt.Truncate(digest.RenderMarkdown(d), maxMessageChars)); err != nil {
		return &model.DeliveryError{Channel: "telegram", Err: err}
	}
	return nil
}

func (n *Notifier) send(ctx context.Context, text string) error {
	if n.botToken == "" || n.chatID == "" {
		return errors.New("telegram notifier misconfigured")
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	form := url.Values{}
	form.Set("chat_id", n.chatID)
	form.Set("text", text)
	form.Set("disable_web_page_preview", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return &model.RetryableError{Err: fmt.Errorf("do request: %w", err)}
	}
	defer resp.Body.Close()

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil && resp.StatusCode == http.StatusOK {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode == http.StatusOK && body.OK {
		return nil
	}

	err = fmt.Errorf("telegram error: %s %s", resp.Status, body.Description)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &model.RetryableError{Delay: time.Duration(body.Parameters.RetryAfter) * time.Second, Err: err}
	case resp.StatusCode >= 500:
		return &model.RetryableError{Err: err}
	}
	return err
}
