package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"postflow/internal/domain"
	"postflow/internal/queue"
	"postflow/internal/store"
)

// PublishMaxAttempts is the task-chain length for one post: the first
// execution plus two retries.
const PublishMaxAttempts = 3

// Service is the periodic trigger: each tick it enqueues one publish task
// per due post, and materializes posts for due cron schedules.
type Service struct {
	store    store.Store
	queue    queue.Repository
	stop     chan struct{}
	interval time.Duration
}

func NewService(st store.Store, q queue.Repository, checkInterval time.Duration) *Service {
	return &Service{
		store:    st,
		queue:    q,
		stop:     make(chan struct{}),
		interval: checkInterval,
	}
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

// Tick runs one sweep. Exposed so a cron trigger or an operator endpoint
// can force a sweep outside the ticker.
func (s *Service) Tick(ctx context.Context, now time.Time) {
	s.processDueSchedules(ctx, now)
	s.processDuePosts(ctx, now)
}

func (s *Service) processDuePosts(ctx context.Context, now time.Time) {
	posts, err := s.store.DuePosts(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("query due posts")
		return
	}

	for _, post := range posts {
		taskID, err := EnqueuePublish(ctx, s.queue, post.ID)
		if err != nil {
			log.Error().Err(err).Str("post_id", post.ID).Msg("enqueue publish task")
			continue
		}
		log.Info().Str("post_id", post.ID).Str("task_id", taskID).Msg("publish task enqueued")
	}
}

func (s *Service) processDueSchedules(ctx context.Context, now time.Time) {
	schedules, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("query due schedules")
		return
	}

	for _, schedule := range schedules {
		if err := s.processSchedule(ctx, schedule, now); err != nil {
			log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("process schedule")
		}
	}
}

// processSchedule materializes one ScheduledPost, due immediately, for a
// due auto-post schedule and advances the schedule's next run.
func (s *Service) processSchedule(ctx context.Context, schedule domain.Schedule, now time.Time) error {
	cronSchedule, err := cron.ParseStandard(schedule.CronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", schedule.CronExpr, err)
	}

	postID, err := s.store.CreatePost(ctx, domain.ScheduledPost{
		UserID:      schedule.UserID,
		Content:     schedule.Content,
		MediaURLs:   schedule.MediaURLs,
		Platforms:   schedule.Platforms,
		ScheduledAt: now,
	})
	if err != nil {
		return fmt.Errorf("create post: %w", err)
	}

	nextRun := cronSchedule.Next(now)
	if err := s.store.UpdateScheduleLastRun(ctx, schedule.ID, now, nextRun); err != nil {
		return fmt.Errorf("update schedule run times: %w", err)
	}

	log.Info().
		Str("schedule_id", schedule.ID).
		Str("schedule_name", schedule.Name).
		Str("post_id", postID).
		Time("next_run", nextRun).
		Msg("auto-post materialized")

	return nil
}

// EnqueuePublish puts one publish task on the queue for post id. The
// idempotency key keeps concurrent sweeps (and re-sweeps while the chain is
// still retrying) from creating duplicate tasks.
func EnqueuePublish(ctx context.Context, q queue.Repository, postID string) (string, error) {
	payload, err := json.Marshal(domain.PublishPayload{PostID: postID})
	if err != nil {
		return "", err
	}
	key := "publish:" + postID
	return q.Enqueue(ctx, domain.Task{
		Type:              domain.TaskPublishPost,
		Payload:           payload,
		MaxAttempts:       PublishMaxAttempts,
		VisibilityTimeout: 60,
		IdempotencyKey:    &key,
	})
}

// ValidateCronExpression validates a cron expression.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression.
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
