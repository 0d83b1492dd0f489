package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"postflow/internal/domain"
)

// Result is the outcome of one publish call. Success=false with a non-empty
// Error means the platform rejected the post; a returned error means the
// call itself did not complete (connection failure, timeout).
type Result struct {
	Success    bool            `json:"success"`
	StatusCode int             `json:"status_code,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Publisher abstracts over social-platform posting. Implementations know
// nothing about retry policy; they report one attempt's outcome.
type Publisher interface {
	Publish(ctx context.Context, post domain.ScheduledPost) (Result, error)
}

// Webhook posts the payload to a single configured webhook endpoint that
// fans out to the target platforms.
type Webhook struct {
	URL    string
	client *http.Client
}

func NewWebhook(url string) *Webhook {
	return &Webhook{
		URL:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type webhookPayload struct {
	Text        string   `json:"text"`
	Media       []string `json:"media"`
	Platforms   []string `json:"platforms"`
	ScheduledAt string   `json:"scheduled_at"`
	UserID      string   `json:"user_id"`
	PostID      string   `json:"post_id"`
	Timestamp   string   `json:"timestamp"`
}

func (w *Webhook) Publish(ctx context.Context, post domain.ScheduledPost) (Result, error) {
	if w.URL == "" {
		return Result{}, fmt.Errorf("webhook URL not configured")
	}

	body, err := json.Marshal(webhookPayload{
		Text:        post.Content,
		Media:       post.MediaURLs,
		Platforms:   post.Platforms,
		ScheduledAt: post.ScheduledAt.UTC().Format(time.RFC3339),
		UserID:      post.UserID,
		PostID:      post.ID,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("content-type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read webhook response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Result{Success: true, StatusCode: resp.StatusCode, Response: respBody}, nil
	}
	return Result{
		Success:    false,
		StatusCode: resp.StatusCode,
		Response:   respBody,
		Error:      fmt.Sprintf("webhook failed with status %d", resp.StatusCode),
	}, nil
}
