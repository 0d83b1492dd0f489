package aiprovider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonical_CompletedSynonyms(t *testing.T) {
	for _, s := range []string{"completed", "done", "succeeded", "success", "COMPLETED", "Done"} {
		assert.Equal(t, StateCompleted, Canonical(s), "status %q", s)
	}
}

func TestCanonical_FailedSynonyms(t *testing.T) {
	for _, s := range []string{"failed", "error", "failure", "FAILED", "Error"} {
		assert.Equal(t, StateFailed, Canonical(s), "status %q", s)
	}
}

func TestCanonical_InProgressSynonyms(t *testing.T) {
	for _, s := range []string{"processing", "pending", "running", "starting", "queued"} {
		assert.Equal(t, StateInProgress, Canonical(s), "status %q", s)
	}
}

func TestCanonical_UnknownDefaultsToInProgress(t *testing.T) {
	for _, s := range []string{"", "warming_up", "stage-3", "finalizing", "cancelled"} {
		assert.Equal(t, StateInProgress, Canonical(s), "status %q", s)
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "completed", StateCompleted.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "in_progress", StateInProgress.String())
}

func TestVerifyStatusTable(t *testing.T) {
	assert.NotPanics(t, verifyStatusTable)
}

func TestExtractVideoURL_Priority(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]any
		want   string
	}{
		{
			"local copy wins over provider URL",
			map[string]any{"video_url": "https://cdn/a.mp4", "local_url": "/videos/a.mp4"},
			"/videos/a.mp4",
		},
		{
			"video_url over download_url",
			map[string]any{"download_url": "https://cdn/dl.mp4", "video_url": "https://cdn/v.mp4"},
			"https://cdn/v.mp4",
		},
		{
			"output field",
			map[string]any{"output": "https://cdn/out.mp4"},
			"https://cdn/out.mp4",
		},
		{
			"url is the last resort",
			map[string]any{"url": "https://cdn/u.mp4"},
			"https://cdn/u.mp4",
		},
		{
			"empty string does not count",
			map[string]any{"local_url": "", "video_url": "https://cdn/v.mp4"},
			"https://cdn/v.mp4",
		},
		{
			"non-string values are skipped",
			map[string]any{"output": 42, "url": "https://cdn/u.mp4"},
			"https://cdn/u.mp4",
		},
		{
			"no recognizable field",
			map[string]any{"progress": 100, "eta": "0s"},
			"",
		},
		{
			"nil map",
			nil,
			"",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractVideoURL(tt.fields))
		})
	}
}

func TestExtractThumbnailURL_Priority(t *testing.T) {
	fields := map[string]any{
		"thumbnail":     "https://cdn/t3.jpg",
		"preview_url":   "https://cdn/t2.jpg",
		"thumbnail_url": "https://cdn/t1.jpg",
	}
	assert.Equal(t, "https://cdn/t1.jpg", ExtractThumbnailURL(fields))

	delete(fields, "thumbnail_url")
	assert.Equal(t, "https://cdn/t2.jpg", ExtractThumbnailURL(fields))

	delete(fields, "preview_url")
	assert.Equal(t, "https://cdn/t3.jpg", ExtractThumbnailURL(fields))

	assert.Equal(t, "", ExtractThumbnailURL(map[string]any{}))
}
