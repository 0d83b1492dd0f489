package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"postflow/internal/backoff"
	"postflow/internal/domain"
	"postflow/internal/queue"
	"postflow/internal/taskerr"
)

type Handler interface {
	Handle(ctx context.Context, task domain.Task) error
}

// FailureHandler is called once a task is terminally failed, either because
// retries are exhausted or because the failure was classified permanent.
// Handlers use it to land the owning domain record in a terminal state.
type FailureHandler interface {
	Failed(ctx context.Context, task domain.Task, cause error)
}

// Policy is the per-task-type retry configuration.
type Policy struct {
	Backoff backoff.Strategy
	Timeout time.Duration
}

type Pool struct {
	repo      queue.Repository
	handlers  map[string]Handler
	policies  map[string]Policy
	sem       chan struct{}
	stop      chan struct{}
	pollEvery time.Duration
}

func NewPool(repo queue.Repository, handlers map[string]Handler, policies map[string]Policy, size int, pollEvery time.Duration) *Pool {
	return &Pool{
		repo:      repo,
		handlers:  handlers,
		policies:  policies,
		sem:       make(chan struct{}, size),
		stop:      make(chan struct{}),
		pollEvery: pollEvery,
	}
}

func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case now := <-t.C:
			for {
				task, _, err := p.repo.LeaseNext(ctx, now)
				if errors.Is(err, queue.ErrEmpty) {
					break
				}
				if err != nil {
					log.Error().Err(err).Msg("lease next task")
					break
				}
				p.sem <- struct{}{}
				go func() {
					defer func() { <-p.sem }()
					p.execute(ctx, task)
				}()
			}
		}
	}
}

func (p *Pool) Stop() { close(p.stop) }

// execute runs one leased task and applies the retry policy. Failures never
// escape: every outcome ends in Succeed, Retry or Fail on the queue.
func (p *Pool) execute(ctx context.Context, task domain.Task) {
	h, ok := p.handlers[task.Type]
	if !ok {
		log.Error().Str("task_id", task.ID).Str("type", task.Type).Msg("no handler registered")
		_ = p.repo.Fail(ctx, task.ID, "no handler for type "+task.Type)
		return
	}

	timeout := time.Duration(task.VisibilityTimeout) * time.Second
	if pol, ok := p.policies[task.Type]; ok && pol.Timeout > 0 {
		timeout = pol.Timeout
	}
	c, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.Info().
		Str("task_id", task.ID).
		Str("type", task.Type).
		Int("attempt", task.Attempts+1).
		Int("max_attempts", task.MaxAttempts).
		Msg("executing task")

	err := h.Handle(c, task)
	if err == nil {
		if qErr := p.repo.Succeed(ctx, task.ID); qErr != nil {
			log.Error().Err(qErr).Str("task_id", task.ID).Msg("mark task succeeded")
		}
		return
	}

	kind := taskerr.KindOf(err)
	exhausted := task.Attempts+1 >= task.MaxAttempts

	switch {
	case kind == taskerr.KindTransient && !exhausted:
		delay := p.delayFor(task.Type, task.Attempts+1)
		log.Warn().
			Err(err).
			Str("task_id", task.ID).
			Str("type", task.Type).
			Int("attempt", task.Attempts+1).
			Dur("delay", delay).
			Msg("task failed, will retry")
		if qErr := p.repo.Retry(ctx, task.ID, err.Error(), delay); qErr != nil {
			log.Error().Err(qErr).Str("task_id", task.ID).Msg("requeue task")
		}
	default:
		log.Error().
			Err(err).
			Str("task_id", task.ID).
			Str("type", task.Type).
			Str("kind", kind.String()).
			Int("attempt", task.Attempts+1).
			Msg("task failed permanently")
		if qErr := p.repo.Fail(ctx, task.ID, err.Error()); qErr != nil {
			log.Error().Err(qErr).Str("task_id", task.ID).Msg("mark task failed")
		}
		if fh, ok := h.(FailureHandler); ok {
			fh.Failed(ctx, task, err)
		}
	}
}

func (p *Pool) delayFor(taskType string, attempt int) time.Duration {
	if pol, ok := p.policies[taskType]; ok && pol.Backoff != nil {
		return pol.Backoff.Delay(attempt)
	}
	return backoff.Exponential{Initial: time.Second, Max: time.Minute}.Delay(attempt)
}
