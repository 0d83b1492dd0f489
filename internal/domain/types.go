package domain

import (
	"encoding/json"
	"time"
)

// Task types handled by the worker pool.
const (
	TaskPublishPost     = "post:publish"
	TaskGenerateVideo   = "video:generate"
	TaskCheckVideoState = "video:check"
)

type Task struct {
	ID                string
	Type              string
	Payload           []byte
	Priority          int
	Attempts          int
	MaxAttempts       int
	State             string
	NextRunAt         time.Time
	VisibilityTimeout int // seconds
	IdempotencyKey    *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PublishPayload is the immutable payload of a post:publish task. The
// attempt number lives on the queue task itself, not in the payload.
type PublishPayload struct {
	PostID string `json:"post_id"`
}

// GeneratePayload is the payload of a video:generate task.
type GeneratePayload struct {
	RequestID string `json:"request_id"`
}

// CheckPayload is the payload of a video:check task. Attempts counts the
// polls already performed against the provider for this request.
type CheckPayload struct {
	RequestID string `json:"request_id"`
	Attempts  int    `json:"attempts"`
}

// ScheduledPost is a post waiting to be published to one or more platforms.
type ScheduledPost struct {
	ID               string
	UserID           string
	Content          string
	MediaURLs        []string
	Platforms        []string
	ScheduledAt      time.Time
	Status           PostStatus
	Results          json.RawMessage // per-platform publish results
	LastError        string
	LastTransitionAt time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// GenerationRequest is an AI video generation request tracked against an
// asynchronous provider-side operation.
type GenerationRequest struct {
	ID               string
	UserID           string
	Prompt           string
	Provider         string
	Duration         int // seconds
	AspectRatio      string
	Status           GenerationStatus
	TaskID           string // provider-assigned operation id
	PollAttempts     int
	VideoURL         string
	ThumbnailURL     string
	ErrorMessage     string
	APIResponse      json.RawMessage
	StartedAt        *time.Time
	CompletedAt      *time.Time
	LastTransitionAt time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Schedule is a cron-driven auto-post definition. Each due tick materializes
// a ScheduledPost due immediately.
type Schedule struct {
	ID          string
	Name        string
	CronExpr    string
	UserID      string
	Content     string
	MediaURLs   []string
	Platforms   []string
	MaxAttempts int
	Enabled     bool
	LastRun     *time.Time
	NextRun     time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
