package slack

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pep299/daily-digest/internal/model"
)

func testDigest() model.Digest {
	return model.Digest{
		RunDate: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		Items: []model.DigestEntry{
			{
				Item:    model.Item{SourceID: "blog", Title: "Test Article", URL: "http://example.com/test", Fingerprint: "f1"},
				Summary: model.SummaryResult{Fingerprint: "f1", SummaryText: "Test summary", Status: model.SummaryOK},
			},
		},
	}
}

func TestNewClient(t *testing.T) {
	botToken := "xoxb-test"
	channel := "#test-channel"

	client := NewClient(botToken, channel)

	if client == nil {
		t.Fatal("Expected non-nil client")
	}

	if client.botToken != botToken {
		t.Errorf("Expected bot token '%s', got '%s'", botToken, client.botToken)
	}

	if client.channel != channel {
		t.Errorf("Expected channel '%s', got '%s'", channel, client.channel)
	}

	if client.apiURL != defaultAPIURL {
		t.Errorf("Expected API URL '%s', got '%s'", defaultAPIURL, client.apiURL)
	}

	if client.httpClient == nil {
		t.Error("Expected non-nil http client")
	}
}

func TestSend(t *testing.T) {
	var received ChatPostMessageRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("Expected POST request, got %s", r.Method)
		}

		if r.Header.Get("Authorization") != "Bearer xoxb-test" {
			t.Errorf("Expected bearer token, got '%s'", r.Header.Get("Authorization"))
		}

		contentType := r.Header.Get("Content-Type")
		if contentType != "application/json" {
			t.Errorf("Expected Content-Type 'application/json', got '%s'", contentType)
		}

		json.NewDecoder(r.Body).Decode(&received)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client := NewClient("xoxb-test", "#digest").WithAPIURL(server.URL)

	if err := client.Send(context.Background(), testDigest()); err != nil {
		t.Fatalf("Failed to send digest: %v", err)
	}

	if received.Channel != "#digest" {
		t.Errorf("Expected channel '#digest', got '%s'", received.Channel)
	}

	if !strings.Contains(received.Text, "<http://example.com/test|Test Article>") {
		t.Error("Expected payload to contain linked article title")
	}

	if !strings.Contains(received.Text, "Test summary") {
		t.Error("Expected payload to contain summary")
	}
}

func TestSendErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		header    string
		retryable bool
		delay     time.Duration
	}{
		{name: "server error", status: 500, body: "Internal Server Error", retryable: true},
		{name: "rate limited", status: 429, header: "30", retryable: true, delay: 30 * time.Second},
		{name: "api ratelimited", status: 200, body: `{"ok":false,"error":"ratelimited"}`, header: "3", retryable: true, delay: 3 * time.Second},
		{name: "channel not found", status: 200, body: `{"ok":false,"error":"channel_not_found"}`},
		{name: "forbidden", status: 403, body: "nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			err := NewClient("xoxb", "#test").WithAPIURL(server.URL).Send(context.Background(), testDigest())
			if err == nil {
				t.Fatal("Expected error")
			}

			var derr *model.DeliveryError
			if !errors.As(err, &derr) || derr.Channel != "slack" {
				t.Errorf("Expected slack DeliveryError, got %v", err)
			}

			var rerr *model.RetryableError
			if got := errors.As(err, &rerr); got != tt.retryable {
				t.Fatalf("Expected retryable=%v, got %v (%v)", tt.retryable, got, err)
			}
			if tt.retryable && rerr.Delay != tt.delay {
				t.Errorf("Expected delay %v, got %v", tt.delay, rerr.Delay)
			}
		})
	}
}

func TestInvalidAPIURL(t *testing.T) {
	client := NewClient("xoxb", "#test").WithAPIURL("invalid-url")

	if err := client.Send(context.Background(), testDigest()); err == nil {
		t.Error("Expected error for invalid API URL")
	}
}

func TestTimeoutHandling(t *testing.T) {
	// Create a server that never responds
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond) // Longer than client timeout
	}))
	defer server.Close()

	client := NewClient("xoxb", "#test").WithAPIURL(server.URL)
	// Set a very short timeout for testing
	client.httpClient.Timeout = 10 * time.Millisecond

	if err := client.Send(context.Background(), testDigest()); err == nil {
		t.Error("Expected timeout error")
	}
}
