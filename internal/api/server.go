package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"postflow/internal/domain"
	"postflow/internal/queue"
	"postflow/internal/scheduler"
	"postflow/internal/store"
)

type Server struct {
	r     *chi.Mux
	store store.Store
	queue queue.Repository
}

func NewServer(st store.Store, q queue.Repository) http.Handler {
	return NewServerWithDebug(st, q, false)
}

func NewServerWithDebug(st store.Store, q queue.Repository, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, store: st, queue: q}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Post("/api/posts", s.createPost)
	r.Get("/api/posts", s.listPosts)
	r.Get("/api/posts/{id}", s.getPost)
	r.Post("/api/posts/{id}/dispatch", s.dispatchPost)
	r.Get("/api/posts/{id}/transitions", s.listTransitions)

	r.Post("/api/videos", s.createVideo)
	r.Get("/api/videos/{id}", s.getVideo)
	r.Get("/api/videos/{id}/transitions", s.listTransitions)

	r.Get("/api/tasks/{id}", s.getTask)

	r.Post("/api/schedules", s.createSchedule)
	r.Get("/api/schedules", s.listSchedules)
	r.Get("/api/schedules/{id}", s.getSchedule)
	r.Put("/api/schedules/{id}", s.updateSchedule)
	r.Delete("/api/schedules/{id}", s.deleteSchedule)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("postflow_up 1\n"))
}

type createPostReq struct {
	UserID      string   `json:"user_id"`
	Content     string   `json:"content"`
	MediaURLs   []string `json:"media_urls"`
	Platforms   []string `json:"platforms"`
	ScheduledAt string   `json:"scheduled_at"` // RFC3339; empty means now
}

type idResp struct {
	ID string `json:"id"`
}

func (s *Server) createPost(w http.ResponseWriter, r *http.Request) {
	var req createPostReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", 400)
		return
	}
	if req.Content == "" {
		http.Error(w, "content is required", 400)
		return
	}
	if len(req.Platforms) == 0 {
		http.Error(w, "platforms is required", 400)
		return
	}

	scheduledAt := time.Now().UTC()
	if req.ScheduledAt != "" {
		t, err := time.Parse(time.RFC3339, req.ScheduledAt)
		if err != nil {
			http.Error(w, "invalid scheduled_at: "+err.Error(), 400)
			return
		}
		scheduledAt = t.UTC()
	}

	id, err := s.store.CreatePost(r.Context(), domain.ScheduledPost{
		UserID:      req.UserID,
		Content:     req.Content,
		MediaURLs:   req.MediaURLs,
		Platforms:   req.Platforms,
		ScheduledAt: scheduledAt,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, idResp{ID: id})
}

func (s *Server) getPost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.store.GetPost(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, map[string]any{
		"id":           p.ID,
		"user_id":      p.UserID,
		"content":      p.Content,
		"media_urls":   p.MediaURLs,
		"platforms":    p.Platforms,
		"scheduled_at": p.ScheduledAt.Format(time.RFC3339),
		"status":       p.Status,
		"results":      p.Results,
		"last_error":   p.LastError,
	})
}

func (s *Server) listPosts(w http.ResponseWriter, r *http.Request) {
	posts, err := s.store.ListRecentPosts(r.Context(), 50)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]map[string]any, 0, len(posts))
	for _, p := range posts {
		out = append(out, map[string]any{
			"id":           p.ID,
			"user_id":      p.UserID,
			"content":      p.Content,
			"platforms":    p.Platforms,
			"scheduled_at": p.ScheduledAt.Format(time.RFC3339),
			"status":       p.Status,
		})
	}
	writeJSON(w, 200, out)
}

// dispatchPost enqueues a publish task immediately, bypassing the sweep.
// Dispatching an already-sent post is a no-op, not an error.
func (s *Server) dispatchPost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.store.GetPost(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if p.Status.Terminal() {
		writeJSON(w, http.StatusOK, map[string]any{"status": p.Status, "skipped": true})
		return
	}

	taskID, err := scheduler.EnqueuePublish(r.Context(), s.queue, id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": taskID})
}

type createVideoReq struct {
	UserID      string `json:"user_id"`
	Prompt      string `json:"prompt"`
	Provider    string `json:"provider"`
	Duration    int    `json:"duration"`
	AspectRatio string `json:"aspect_ratio"`
}

func (s *Server) createVideo(w http.ResponseWriter, r *http.Request) {
	var req createVideoReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", 400)
		return
	}
	if req.Prompt == "" {
		http.Error(w, "prompt is required", 400)
		return
	}
	if req.Provider == "" {
		http.Error(w, "provider is required", 400)
		return
	}

	id, err := s.store.CreateGeneration(r.Context(), domain.GenerationRequest{
		UserID:      req.UserID,
		Prompt:      req.Prompt,
		Provider:    req.Provider,
		Duration:    req.Duration,
		AspectRatio: req.AspectRatio,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	payload, _ := json.Marshal(domain.GeneratePayload{RequestID: id})
	key := "generate:" + id
	taskID, err := s.queue.Enqueue(r.Context(), domain.Task{
		Type:           domain.TaskGenerateVideo,
		Payload:        payload,
		MaxAttempts:    1,
		IdempotencyKey: &key,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "task_id": taskID})
}

func (s *Server) getVideo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	g, err := s.store.GetGeneration(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, map[string]any{
		"id":            g.ID,
		"user_id":       g.UserID,
		"prompt":        g.Prompt,
		"provider":      g.Provider,
		"duration":      g.Duration,
		"aspect_ratio":  g.AspectRatio,
		"status":        g.Status,
		"task_id":       g.TaskID,
		"poll_attempts": g.PollAttempts,
		"video_url":     g.VideoURL,
		"thumbnail_url": g.ThumbnailURL,
		"error_message": g.ErrorMessage,
	})
}

func (s *Server) listTransitions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ts, err := s.store.ListTransitions(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, ts)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.queue.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, map[string]any{
		"id":           t.ID,
		"type":         t.Type,
		"state":        t.State,
		"attempts":     t.Attempts,
		"max_attempts": t.MaxAttempts,
		"next_run_at":  t.NextRunAt.Format(time.RFC3339),
	})
}

type scheduleReq struct {
	Name        string   `json:"name"`
	CronExpr    string   `json:"cron_expr"`
	UserID      string   `json:"user_id"`
	Content     string   `json:"content"`
	MediaURLs   []string `json:"media_urls"`
	Platforms   []string `json:"platforms"`
	MaxAttempts int      `json:"max_attempts"`
	Enabled     bool     `json:"enabled"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", 400)
		return
	}
	if req.CronExpr == "" {
		http.Error(w, "cron_expr is required", 400)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", 400)
		return
	}
	if req.Content == "" {
		http.Error(w, "content is required", 400)
		return
	}
	if len(req.Platforms) == 0 {
		http.Error(w, "platforms is required", 400)
		return
	}
	if err := scheduler.ValidateCronExpression(req.CronExpr); err != nil {
		http.Error(w, "invalid cron expression: "+err.Error(), 400)
		return
	}

	nextRun, err := scheduler.NextRunTime(req.CronExpr, time.Now())
	if err != nil {
		http.Error(w, "failed to calculate next run time: "+err.Error(), 400)
		return
	}

	id, err := s.store.CreateSchedule(r.Context(), domain.Schedule{
		Name:        req.Name,
		CronExpr:    req.CronExpr,
		UserID:      req.UserID,
		Content:     req.Content,
		MediaURLs:   req.MediaURLs,
		Platforms:   req.Platforms,
		MaxAttempts: req.MaxAttempts,
		Enabled:     req.Enabled,
		NextRun:     nextRun,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, idResp{ID: id})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, schedules)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	schedule, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, schedule)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	schedule, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}

	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	if req.Name != "" {
		schedule.Name = req.Name
	}
	if req.CronExpr != "" {
		if err := scheduler.ValidateCronExpression(req.CronExpr); err != nil {
			http.Error(w, "invalid cron expression: "+err.Error(), 400)
			return
		}
		schedule.CronExpr = req.CronExpr
		nextRun, err := scheduler.NextRunTime(req.CronExpr, time.Now())
		if err != nil {
			http.Error(w, "failed to calculate next run time: "+err.Error(), 400)
			return
		}
		schedule.NextRun = nextRun
	}
	if req.Content != "" {
		schedule.Content = req.Content
	}
	if req.MediaURLs != nil {
		schedule.MediaURLs = req.MediaURLs
	}
	if len(req.Platforms) > 0 {
		schedule.Platforms = req.Platforms
	}
	if req.MaxAttempts > 0 {
		schedule.MaxAttempts = req.MaxAttempts
	}
	schedule.Enabled = req.Enabled

	if err := s.store.UpdateSchedule(r.Context(), schedule); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, schedule)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteSchedule(r.Context(), id); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
