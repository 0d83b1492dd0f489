// Package aiprovider wraps the external video generation providers behind a
// single submit/check-status interface. Provider responses keep their raw
// field map so callers can extract result artifacts without knowing each
// provider's response shape.
package aiprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SubmitRequest carries the parameters of a generation submission.
type SubmitRequest struct {
	Prompt      string         `json:"prompt"`
	Provider    string         `json:"provider"`
	Duration    int            `json:"duration"`
	AspectRatio string         `json:"aspect_ratio"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// SubmitResult is the provider's answer to a submission. EstimatedTime is
// the provider's guess, in seconds, of how long generation will take.
type SubmitResult struct {
	Success       bool            `json:"success"`
	TaskID        string          `json:"task_id,omitempty"`
	EstimatedTime int             `json:"estimated_time,omitempty"`
	Error         string          `json:"error,omitempty"`
	Raw           json.RawMessage `json:"-"`
}

// StatusResult is the provider's answer to a status check. Fields holds the
// full decoded response for artifact extraction.
type StatusResult struct {
	Success bool
	Status  string
	Error   string
	Fields  map[string]any
}

// Provider abstracts over the video generation backends.
type Provider interface {
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)
	CheckStatus(ctx context.Context, taskID, provider string) (StatusResult, error)
}

// Gateway talks to a provider gateway service over HTTP. The gateway fronts
// the individual vendors (runway, gemini, replicate, ...) and normalizes
// auth; postflow only sees submit and status endpoints.
type Gateway struct {
	BaseURL string
	client  *http.Client
}

func NewGateway(baseURL string) *Gateway {
	return &Gateway{
		BaseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (g *Gateway) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if g.BaseURL == "" {
		return SubmitResult{}, fmt.Errorf("provider gateway URL not configured")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return SubmitResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+"/v1/generations", bytes.NewReader(body))
	if err != nil {
		return SubmitResult{}, err
	}
	httpReq.Header.Set("content-type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("provider submit: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("read provider response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return SubmitResult{}, fmt.Errorf("provider submit status %d: %s", resp.StatusCode, respBody)
	}

	var out SubmitResult
	if err := json.Unmarshal(respBody, &out); err != nil {
		return SubmitResult{}, fmt.Errorf("decode provider response: %w", err)
	}
	out.Raw = respBody
	return out, nil
}

func (g *Gateway) CheckStatus(ctx context.Context, taskID, provider string) (StatusResult, error) {
	if g.BaseURL == "" {
		return StatusResult{}, fmt.Errorf("provider gateway URL not configured")
	}

	url := fmt.Sprintf("%s/v1/generations/%s?provider=%s", g.BaseURL, taskID, provider)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return StatusResult{}, err
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return StatusResult{}, fmt.Errorf("provider status: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return StatusResult{}, fmt.Errorf("read provider response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return StatusResult{}, fmt.Errorf("provider status %d: %s", resp.StatusCode, respBody)
	}

	var fields map[string]any
	if err := json.Unmarshal(respBody, &fields); err != nil {
		return StatusResult{}, fmt.Errorf("decode provider response: %w", err)
	}

	out := StatusResult{Fields: fields}
	if v, ok := fields["success"].(bool); ok {
		out.Success = v
	}
	if v, ok := fields["status"].(string); ok {
		out.Status = v
	}
	if v, ok := fields["error"].(string); ok {
		out.Error = v
	}
	return out, nil
}
