package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"postflow/internal/domain"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrStale means the record's status changed between read and write.
	// A duplicate or late-arriving task sees this (or ErrInvalidTransition)
	// and must treat the record as already handled.
	ErrStale = errors.New("record status changed concurrently")
)

// EnsureSchema creates the domain record tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS scheduled_posts (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  content TEXT NOT NULL,
  media_urls TEXT NOT NULL DEFAULT '[]',
  platforms TEXT NOT NULL DEFAULT '[]',
  scheduled_at DATETIME NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','processing','sent','failed')) DEFAULT 'pending',
  results TEXT,
  last_error TEXT NOT NULL DEFAULT '',
  last_transition_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_posts_due ON scheduled_posts(status, scheduled_at);
CREATE TABLE IF NOT EXISTS generation_requests (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  prompt TEXT NOT NULL,
  provider TEXT NOT NULL,
  duration INTEGER NOT NULL DEFAULT 4,
  aspect_ratio TEXT NOT NULL DEFAULT '16:9',
  status TEXT NOT NULL CHECK(status IN ('pending','started','processing','completed','failed')) DEFAULT 'pending',
  task_id TEXT NOT NULL DEFAULT '',
  poll_attempts INTEGER NOT NULL DEFAULT 0,
  video_url TEXT NOT NULL DEFAULT '',
  thumbnail_url TEXT NOT NULL DEFAULT '',
  error_message TEXT NOT NULL DEFAULT '',
  api_response TEXT,
  started_at DATETIME,
  completed_at DATETIME,
  last_transition_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  cron_expr TEXT NOT NULL,
  user_id TEXT NOT NULL,
  content TEXT NOT NULL,
  media_urls TEXT NOT NULL DEFAULT '[]',
  platforms TEXT NOT NULL DEFAULT '[]',
  max_attempts INTEGER NOT NULL DEFAULT 3,
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run DATETIME,
  next_run DATETIME NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run);
CREATE TABLE IF NOT EXISTS transitions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  record_id TEXT NOT NULL,
  event TEXT NOT NULL,
  from_status TEXT NOT NULL,
  to_status TEXT NOT NULL,
  detail TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_transitions_record ON transitions(record_id);
`
	_, err := db.Exec(schema)
	return err
}

// PostUpdate carries the side-effect fields written with a post transition.
type PostUpdate struct {
	Results   json.RawMessage
	LastError string
}

// GenerationUpdate carries the side-effect fields written with a
// generation transition.
type GenerationUpdate struct {
	VideoURL     string
	ThumbnailURL string
	ErrorMessage string
}

// Transition is one row of the per-record transition log.
type Transition struct {
	ID         int64
	RecordID   string
	Event      string
	FromStatus string
	ToStatus   string
	Detail     string
	CreatedAt  time.Time
}

type Store interface {
	CreatePost(ctx context.Context, p domain.ScheduledPost) (string, error)
	GetPost(ctx context.Context, id string) (domain.ScheduledPost, error)
	DuePosts(ctx context.Context, now time.Time) ([]domain.ScheduledPost, error)
	ListRecentPosts(ctx context.Context, limit int) ([]domain.ScheduledPost, error)
	// TransitionPost applies ev atomically with compare-and-set on the
	// status column. Invalid transitions return ErrInvalidTransition
	// without mutating; a lost CAS race returns ErrStale.
	TransitionPost(ctx context.Context, id string, ev domain.PostEvent, upd PostUpdate) (domain.ScheduledPost, error)

	CreateGeneration(ctx context.Context, g domain.GenerationRequest) (string, error)
	GetGeneration(ctx context.Context, id string) (domain.GenerationRequest, error)
	TransitionGeneration(ctx context.Context, id string, ev domain.GenerationEvent, upd GenerationUpdate) (domain.GenerationRequest, error)
	// SetGenerationTask records the provider-assigned operation id and raw
	// acceptance response.
	SetGenerationTask(ctx context.Context, id, taskID string, apiResponse []byte) error
	SetGenerationPollAttempts(ctx context.Context, id string, attempts int) error

	CreateSchedule(ctx context.Context, s domain.Schedule) (string, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	UpdateSchedule(ctx context.Context, s domain.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	DueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	UpdateScheduleLastRun(ctx context.Context, id string, lastRun, nextRun time.Time) error

	ListTransitions(ctx context.Context, recordID string) ([]Transition, error)
}

type sqliteStore struct{ db *sql.DB }

func NewSQLiteStore(db *sql.DB) Store { return &sqliteStore{db: db} }

func marshalList(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func unmarshalList(s string) []string {
	var v []string
	_ = json.Unmarshal([]byte(s), &v)
	return v
}

func (s *sqliteStore) CreatePost(ctx context.Context, p domain.ScheduledPost) (string, error) {
	id := p.ID
	if id == "" {
		id = "post_" + uuid.NewString()
	}
	if p.ScheduledAt.IsZero() {
		p.ScheduledAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO scheduled_posts (id,user_id,content,media_urls,platforms,scheduled_at,status,created_at,updated_at)
VALUES (?,?,?,?,?,?, 'pending', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
`, id, p.UserID, p.Content, marshalList(p.MediaURLs), marshalList(p.Platforms), p.ScheduledAt.UTC())
	return id, err
}

const postColumns = `id,user_id,content,media_urls,platforms,scheduled_at,status,results,last_error,last_transition_at,created_at,updated_at`

func scanPost(row interface{ Scan(...any) error }) (domain.ScheduledPost, error) {
	var p domain.ScheduledPost
	var media, platforms string
	var results sql.NullString
	err := row.Scan(&p.ID, &p.UserID, &p.Content, &media, &platforms, &p.ScheduledAt, &p.Status, &results, &p.LastError, &p.LastTransitionAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return domain.ScheduledPost{}, err
	}
	p.MediaURLs = unmarshalList(media)
	p.Platforms = unmarshalList(platforms)
	if results.Valid {
		p.Results = json.RawMessage(results.String)
	}
	return p, nil
}

func (s *sqliteStore) GetPost(ctx context.Context, id string) (domain.ScheduledPost, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM scheduled_posts WHERE id=?`, id)
	p, err := scanPost(row)
	if err == sql.ErrNoRows {
		return domain.ScheduledPost{}, ErrNotFound
	}
	return p, err
}

func (s *sqliteStore) DuePosts(ctx context.Context, now time.Time) ([]domain.ScheduledPost, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+postColumns+` FROM scheduled_posts
WHERE status='pending' AND scheduled_at <= ? ORDER BY scheduled_at`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []domain.ScheduledPost
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

func (s *sqliteStore) ListRecentPosts(ctx context.Context, limit int) ([]domain.ScheduledPost, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+postColumns+` FROM scheduled_posts ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []domain.ScheduledPost
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

func (s *sqliteStore) TransitionPost(ctx context.Context, id string, ev domain.PostEvent, upd PostUpdate) (domain.ScheduledPost, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.ScheduledPost{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+postColumns+` FROM scheduled_posts WHERE id=?`, id)
	p, err := scanPost(row)
	if err == sql.ErrNoRows {
		return domain.ScheduledPost{}, ErrNotFound
	}
	if err != nil {
		return domain.ScheduledPost{}, err
	}

	next, err := domain.NextPostStatus(p.Status, ev)
	if err != nil {
		return p, err
	}

	results := p.Results
	if upd.Results != nil {
		results = upd.Results
	}
	lastError := p.LastError
	if upd.LastError != "" {
		lastError = upd.LastError
	}

	res, err := tx.ExecContext(ctx, `
UPDATE scheduled_posts
SET status=?, results=?, last_error=?, last_transition_at=CURRENT_TIMESTAMP, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status=?`, string(next), nullableJSON(results), lastError, id, string(p.Status))
	if err != nil {
		return domain.ScheduledPost{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ScheduledPost{}, ErrStale
	}

	if _, err = tx.ExecContext(ctx, `
INSERT INTO transitions(record_id, event, from_status, to_status, detail)
VALUES (?,?,?,?,?)`, id, string(ev), string(p.Status), string(next), upd.LastError); err != nil {
		return domain.ScheduledPost{}, err
	}

	if err = tx.Commit(); err != nil {
		return domain.ScheduledPost{}, err
	}

	p.Status = next
	p.Results = results
	p.LastError = lastError
	p.LastTransitionAt = time.Now().UTC()
	return p, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func (s *sqliteStore) CreateGeneration(ctx context.Context, g domain.GenerationRequest) (string, error) {
	id := g.ID
	if id == "" {
		id = "vid_" + uuid.NewString()
	}
	if g.Duration == 0 {
		g.Duration = 4
	}
	if g.AspectRatio == "" {
		g.AspectRatio = "16:9"
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO generation_requests (id,user_id,prompt,provider,duration,aspect_ratio,status,created_at,updated_at)
VALUES (?,?,?,?,?,?, 'pending', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
`, id, g.UserID, g.Prompt, g.Provider, g.Duration, g.AspectRatio)
	return id, err
}

const genColumns = `id,user_id,prompt,provider,duration,aspect_ratio,status,task_id,poll_attempts,video_url,thumbnail_url,error_message,api_response,started_at,completed_at,last_transition_at,created_at,updated_at`

func scanGeneration(row interface{ Scan(...any) error }) (domain.GenerationRequest, error) {
	var g domain.GenerationRequest
	var apiResponse sql.NullString
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&g.ID, &g.UserID, &g.Prompt, &g.Provider, &g.Duration, &g.AspectRatio, &g.Status, &g.TaskID, &g.PollAttempts, &g.VideoURL, &g.ThumbnailURL, &g.ErrorMessage, &apiResponse, &startedAt, &completedAt, &g.LastTransitionAt, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return domain.GenerationRequest{}, err
	}
	if apiResponse.Valid {
		g.APIResponse = json.RawMessage(apiResponse.String)
	}
	if startedAt.Valid {
		t := startedAt.Time
		g.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		g.CompletedAt = &t
	}
	return g, nil
}

func (s *sqliteStore) GetGeneration(ctx context.Context, id string) (domain.GenerationRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+genColumns+` FROM generation_requests WHERE id=?`, id)
	g, err := scanGeneration(row)
	if err == sql.ErrNoRows {
		return domain.GenerationRequest{}, ErrNotFound
	}
	return g, err
}

func (s *sqliteStore) TransitionGeneration(ctx context.Context, id string, ev domain.GenerationEvent, upd GenerationUpdate) (domain.GenerationRequest, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.GenerationRequest{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+genColumns+` FROM generation_requests WHERE id=?`, id)
	g, err := scanGeneration(row)
	if err == sql.ErrNoRows {
		return domain.GenerationRequest{}, ErrNotFound
	}
	if err != nil {
		return domain.GenerationRequest{}, err
	}

	next, err := domain.NextGenerationStatus(g.Status, ev)
	if err != nil {
		return g, err
	}

	set := []string{"status=?", "last_transition_at=CURRENT_TIMESTAMP", "updated_at=CURRENT_TIMESTAMP"}
	args := []any{string(next)}
	switch ev {
	case domain.GenStart:
		set = append(set, "started_at=CURRENT_TIMESTAMP")
	case domain.GenComplete:
		set = append(set, "video_url=?", "thumbnail_url=?", "completed_at=CURRENT_TIMESTAMP")
		args = append(args, upd.VideoURL, upd.ThumbnailURL)
	case domain.GenFail:
		set = append(set, "error_message=?", "completed_at=CURRENT_TIMESTAMP")
		args = append(args, upd.ErrorMessage)
	}
	args = append(args, id, string(g.Status))

	res, err := tx.ExecContext(ctx, `
UPDATE generation_requests SET `+strings.Join(set, ", ")+` WHERE id=? AND status=?`, args...)
	if err != nil {
		return domain.GenerationRequest{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.GenerationRequest{}, ErrStale
	}

	if _, err = tx.ExecContext(ctx, `
INSERT INTO transitions(record_id, event, from_status, to_status, detail)
VALUES (?,?,?,?,?)`, id, string(ev), string(g.Status), string(next), upd.ErrorMessage); err != nil {
		return domain.GenerationRequest{}, err
	}

	if err = tx.Commit(); err != nil {
		return domain.GenerationRequest{}, err
	}

	g.Status = next
	if upd.VideoURL != "" {
		g.VideoURL = upd.VideoURL
	}
	if upd.ThumbnailURL != "" {
		g.ThumbnailURL = upd.ThumbnailURL
	}
	if upd.ErrorMessage != "" {
		g.ErrorMessage = upd.ErrorMessage
	}
	g.LastTransitionAt = time.Now().UTC()
	return g, nil
}

func (s *sqliteStore) SetGenerationTask(ctx context.Context, id, taskID string, apiResponse []byte) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE generation_requests SET task_id=?, api_response=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		taskID, string(apiResponse), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) SetGenerationPollAttempts(ctx context.Context, id string, attempts int) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE generation_requests SET poll_attempts=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, attempts, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) CreateSchedule(ctx context.Context, sch domain.Schedule) (string, error) {
	id := sch.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	if sch.MaxAttempts == 0 {
		sch.MaxAttempts = 3
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO schedules (id,name,cron_expr,user_id,content,media_urls,platforms,max_attempts,enabled,last_run,next_run,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, sch.Name, sch.CronExpr, sch.UserID, sch.Content, marshalList(sch.MediaURLs), marshalList(sch.Platforms), sch.MaxAttempts, sch.Enabled, sch.LastRun, sch.NextRun.UTC())
	return id, err
}

const scheduleColumns = `id,name,cron_expr,user_id,content,media_urls,platforms,max_attempts,enabled,last_run,next_run,created_at,updated_at`

func scanSchedule(row interface{ Scan(...any) error }) (domain.Schedule, error) {
	var sch domain.Schedule
	var media, platforms string
	var lastRun sql.NullTime
	err := row.Scan(&sch.ID, &sch.Name, &sch.CronExpr, &sch.UserID, &sch.Content, &media, &platforms, &sch.MaxAttempts, &sch.Enabled, &lastRun, &sch.NextRun, &sch.CreatedAt, &sch.UpdatedAt)
	if err != nil {
		return domain.Schedule{}, err
	}
	sch.MediaURLs = unmarshalList(media)
	sch.Platforms = unmarshalList(platforms)
	if lastRun.Valid {
		sch.LastRun = &lastRun.Time
	}
	return sch, nil
}

func (s *sqliteStore) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=?`, id)
	sch, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return domain.Schedule{}, ErrNotFound
	}
	return sch, err
}

func (s *sqliteStore) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sch)
	}
	return schedules, rows.Err()
}

func (s *sqliteStore) UpdateSchedule(ctx context.Context, sch domain.Schedule) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE schedules SET name=?,cron_expr=?,content=?,media_urls=?,platforms=?,max_attempts=?,enabled=?,next_run=?,updated_at=CURRENT_TIMESTAMP
WHERE id=?`, sch.Name, sch.CronExpr, sch.Content, marshalList(sch.MediaURLs), marshalList(sch.Platforms), sch.MaxAttempts, sch.Enabled, sch.NextRun.UTC(), sch.ID)
	return err
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM schedules WHERE id=?", id)
	return err
}

func (s *sqliteStore) DueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+scheduleColumns+` FROM schedules WHERE enabled=1 AND next_run <= ? ORDER BY next_run`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sch)
	}
	return schedules, rows.Err()
}

func (s *sqliteStore) UpdateScheduleLastRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE schedules SET last_run=?,next_run=?,updated_at=CURRENT_TIMESTAMP WHERE id=?`, lastRun.UTC(), nextRun.UTC(), id)
	return err
}

func (s *sqliteStore) ListTransitions(ctx context.Context, recordID string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,record_id,event,from_status,to_status,detail,created_at
FROM transitions WHERE record_id=? ORDER BY id`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ts []Transition
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.ID, &t.RecordID, &t.Event, &t.FromStatus, &t.ToStatus, &t.Detail, &t.CreatedAt); err != nil {
			return nil, err
		}
		ts = append(ts, t)
	}
	return ts, rows.Err()
}
