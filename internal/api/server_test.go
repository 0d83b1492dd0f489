package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"postflow/internal/domain"
	"postflow/internal/queue"
	"postflow/internal/store"
)

type env struct {
	srv   http.Handler
	store store.Store
	queue queue.Repository
}

func newEnv(t *testing.T) env {
	t.Helper()
	dsn := fmt.Sprintf("file:api_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	require.NoError(t, queue.EnsureSchema(db))

	st := store.NewSQLiteStore(db)
	q := queue.NewSQLiteRepo(db)
	return env{srv: NewServer(st, q), store: st, queue: q}
}

func (e env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	w := e.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestMetrics(t *testing.T) {
	e := newEnv(t)
	w := e.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "postflow_up 1")
}

func TestCreateAndGetPost(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/api/posts", map[string]any{
		"user_id":      "usr_1",
		"content":      "hello",
		"platforms":    []string{"twitter"},
		"scheduled_at": "2026-09-01T10:00:00Z",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode(t, w)["id"].(string)
	assert.Contains(t, id, "post_")

	w = e.do(t, http.MethodGet, "/api/posts/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode(t, w)
	assert.Equal(t, "hello", got["content"])
	assert.Equal(t, "pending", got["status"])
	assert.Equal(t, "2026-09-01T10:00:00Z", got["scheduled_at"])

	w = e.do(t, http.MethodGet, "/api/posts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 1)
}

func TestCreatePostValidation(t *testing.T) {
	e := newEnv(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing user_id", map[string]any{"content": "x", "platforms": []string{"twitter"}}},
		{"missing content", map[string]any{"user_id": "u", "platforms": []string{"twitter"}}},
		{"missing platforms", map[string]any{"user_id": "u", "content": "x"}},
		{"bad scheduled_at", map[string]any{"user_id": "u", "content": "x", "platforms": []string{"twitter"}, "scheduled_at": "tomorrow"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, http.MethodPost, "/api/posts", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestGetPostNotFound(t *testing.T) {
	e := newEnv(t)
	w := e.do(t, http.MethodGet, "/api/posts/post_missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDispatchPost(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	id, err := e.store.CreatePost(ctx, domain.ScheduledPost{UserID: "u", Content: "c", ScheduledAt: time.Now().UTC()})
	require.NoError(t, err)

	w := e.do(t, http.MethodPost, "/api/posts/"+id+"/dispatch", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	taskID := decode(t, w)["task_id"].(string)

	task, err := e.queue.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPublishPost, task.Type)
	assert.Equal(t, 3, task.MaxAttempts)

	// Dispatching again reuses the same chain.
	w = e.do(t, http.MethodPost, "/api/posts/"+id+"/dispatch", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, taskID, decode(t, w)["task_id"])
}

func TestDispatchTerminalPostSkips(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	id, err := e.store.CreatePost(ctx, domain.ScheduledPost{UserID: "u", Content: "c", ScheduledAt: time.Now().UTC()})
	require.NoError(t, err)
	_, err = e.store.TransitionPost(ctx, id, domain.PostDispatch, store.PostUpdate{})
	require.NoError(t, err)
	_, err = e.store.TransitionPost(ctx, id, domain.PostSucceed, store.PostUpdate{})
	require.NoError(t, err)

	w := e.do(t, http.MethodPost, "/api/posts/"+id+"/dispatch", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode(t, w)
	assert.Equal(t, true, got["skipped"])
	assert.Equal(t, "sent", got["status"])

	tasks, err := e.queue.ListRecent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks, "a settled post must not enqueue work")
}

func TestPostTransitionsEndpoint(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	id, err := e.store.CreatePost(ctx, domain.ScheduledPost{UserID: "u", Content: "c", ScheduledAt: time.Now().UTC()})
	require.NoError(t, err)
	_, err = e.store.TransitionPost(ctx, id, domain.PostDispatch, store.PostUpdate{})
	require.NoError(t, err)
	_, err = e.store.TransitionPost(ctx, id, domain.PostRelease, store.PostUpdate{LastError: "HTTP 503"})
	require.NoError(t, err)

	w := e.do(t, http.MethodGet, "/api/posts/"+id+"/transitions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ts []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ts))
	assert.Len(t, ts, 2)
}

func TestCreateVideoEnqueuesGeneration(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	w := e.do(t, http.MethodPost, "/api/videos", map[string]any{
		"user_id":  "usr_1",
		"prompt":   "a cat surfing",
		"provider": "runway",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	got := decode(t, w)
	id := got["id"].(string)
	taskID := got["task_id"].(string)

	g, err := e.store.GetGeneration(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.GenPending, g.Status)

	task, err := e.queue.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskGenerateVideo, task.Type)
	assert.Equal(t, 1, task.MaxAttempts, "generation is not blindly retried")

	var pl domain.GeneratePayload
	require.NoError(t, json.Unmarshal(task.Payload, &pl))
	assert.Equal(t, id, pl.RequestID)
}

func TestCreateVideoValidation(t *testing.T) {
	e := newEnv(t)
	w := e.do(t, http.MethodPost, "/api/videos", map[string]any{"user_id": "u", "prompt": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetVideo(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	id, err := e.store.CreateGeneration(ctx, domain.GenerationRequest{UserID: "u", Prompt: "p", Provider: "runway"})
	require.NoError(t, err)

	w := e.do(t, http.MethodGet, "/api/videos/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode(t, w)
	assert.Equal(t, "pending", got["status"])
	assert.Equal(t, float64(4), got["duration"])
	assert.Equal(t, "16:9", got["aspect_ratio"])
}

func TestScheduleLifecycle(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/api/schedules", map[string]any{
		"name":      "daily",
		"cron_expr": "0 9 * * *",
		"user_id":   "usr_1",
		"content":   "gm",
		"platforms": []string{"twitter"},
		"enabled":   true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode(t, w)["id"].(string)

	w = e.do(t, http.MethodGet, "/api/schedules/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodGet, "/api/schedules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	w = e.do(t, http.MethodPut, "/api/schedules/"+id, map[string]any{
		"content": "good morning",
		"enabled": true,
	})
	require.Equal(t, http.StatusOK, w.Code)

	sch, err := e.store.GetSchedule(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "good morning", sch.Content)

	w = e.do(t, http.MethodDelete, "/api/schedules/"+id, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = e.do(t, http.MethodGet, "/api/schedules/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateScheduleRejectsBadCron(t *testing.T) {
	e := newEnv(t)
	w := e.do(t, http.MethodPost, "/api/schedules", map[string]any{
		"name":      "broken",
		"cron_expr": "every day at nine",
		"user_id":   "u",
		"content":   "c",
		"platforms": []string{"twitter"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
