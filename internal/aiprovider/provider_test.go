package aiprovider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatewaySubmit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/generations", r.URL.Path)

		var req SubmitRequest
		b, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(b, &req))
		assert.Equal(t, "a cat surfing", req.Prompt)
		assert.Equal(t, "runway", req.Provider)

		_, _ = w.Write([]byte(`{"success":true,"task_id":"prov_42","estimated_time":45}`))
	}))
	defer srv.Close()

	res, err := NewGateway(srv.URL).Submit(context.Background(), SubmitRequest{
		Prompt:      "a cat surfing",
		Provider:    "runway",
		Duration:    4,
		AspectRatio: "16:9",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "prov_42", res.TaskID)
	assert.Equal(t, 45, res.EstimatedTime)
	assert.JSONEq(t, `{"success":true,"task_id":"prov_42","estimated_time":45}`, string(res.Raw))
}

func TestGatewaySubmit_Rejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"error":"content policy violation"}`))
	}))
	defer srv.Close()

	res, err := NewGateway(srv.URL).Submit(context.Background(), SubmitRequest{Prompt: "x", Provider: "runway"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "content policy violation", res.Error)
}

func TestGatewaySubmit_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewGateway(srv.URL).Submit(context.Background(), SubmitRequest{Prompt: "x", Provider: "runway"})
	assert.Error(t, err)
}

func TestGatewayCheckStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/generations/prov_42", r.URL.Path)
		assert.Equal(t, "runway", r.URL.Query().Get("provider"))

		_, _ = w.Write([]byte(`{"success":true,"status":"succeeded","video_url":"https://cdn/v.mp4","progress":100}`))
	}))
	defer srv.Close()

	res, err := NewGateway(srv.URL).CheckStatus(context.Background(), "prov_42", "runway")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "succeeded", res.Status)
	assert.Equal(t, "https://cdn/v.mp4", res.Fields["video_url"])
	assert.Equal(t, StateCompleted, Canonical(res.Status))
}

func TestGatewayCheckStatus_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	srv.Close()

	_, err := NewGateway(srv.URL).CheckStatus(context.Background(), "prov_42", "runway")
	assert.Error(t, err)
}

func TestGateway_MissingBaseURL(t *testing.T) {
	g := NewGateway("")
	_, err := g.Submit(context.Background(), SubmitRequest{})
	assert.Error(t, err)
	_, err = g.CheckStatus(context.Background(), "x", "runway")
	assert.Error(t, err)
}
