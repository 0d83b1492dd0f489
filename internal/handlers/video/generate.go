// Package video executes video:generate and video:check tasks. Generation
// is asynchronous on the provider side: the generate task submits the
// request, then a chain of delayed check tasks polls the provider until the
// operation reaches a terminal state or the attempt ceiling forces a
// timeout failure.
package video

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"postflow/internal/aiprovider"
	"postflow/internal/domain"
	"postflow/internal/queue"
	"postflow/internal/store"
	"postflow/internal/taskerr"
)

// DefaultCheckDelay is used when the provider gives no time estimate.
const DefaultCheckDelay = 60 * time.Second

type Generator struct {
	store    store.Store
	provider aiprovider.Provider
	queue    queue.Repository
}

func NewGenerator(st store.Store, provider aiprovider.Provider, q queue.Repository) *Generator {
	return &Generator{store: st, provider: provider, queue: q}
}

func (g *Generator) Handle(ctx context.Context, task domain.Task) error {
	var pl domain.GeneratePayload
	if err := json.Unmarshal(task.Payload, &pl); err != nil {
		return taskerr.Permanent(fmt.Errorf("invalid generate payload: %w", err))
	}

	logger := log.With().Str("request_id", pl.RequestID).Logger()

	req, err := g.store.TransitionGeneration(ctx, pl.RequestID, domain.GenStart, store.GenerationUpdate{})
	if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, store.ErrStale) {
		logger.Info().Msg("generation already started, skipping")
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return taskerr.Permanent(fmt.Errorf("generation request %s not found", pl.RequestID))
	}
	if err != nil {
		return fmt.Errorf("claim generation request: %w", err)
	}

	logger.Info().Str("provider", req.Provider).Msg("submitting video generation")

	res, err := g.provider.Submit(ctx, aiprovider.SubmitRequest{
		Prompt:      req.Prompt,
		Provider:    req.Provider,
		Duration:    req.Duration,
		AspectRatio: req.AspectRatio,
	})
	if err != nil {
		g.fail(ctx, pl.RequestID, err.Error())
		return err
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "video generation rejected by provider"
		}
		logger.Error().Str("error", msg).Msg("generation failed to start")
		g.fail(ctx, pl.RequestID, msg)
		return nil
	}

	if err := g.store.SetGenerationTask(ctx, pl.RequestID, res.TaskID, res.Raw); err != nil {
		return fmt.Errorf("save provider task id: %w", err)
	}
	if _, err := g.store.TransitionGeneration(ctx, pl.RequestID, domain.GenAck, store.GenerationUpdate{}); err != nil {
		return fmt.Errorf("ack generation request: %w", err)
	}

	delay := DefaultCheckDelay
	if res.EstimatedTime > 0 {
		delay = time.Duration(res.EstimatedTime) * time.Second
	}
	if err := scheduleCheck(ctx, g.queue, pl.RequestID, 0, delay); err != nil {
		return fmt.Errorf("schedule status check: %w", err)
	}

	logger.Info().Str("provider_task_id", res.TaskID).Dur("first_check_in", delay).Msg("generation submitted")
	return nil
}

// Failed marks the request failed when the generate task dies without a
// terminal transition.
func (g *Generator) Failed(ctx context.Context, task domain.Task, cause error) {
	var pl domain.GeneratePayload
	if err := json.Unmarshal(task.Payload, &pl); err != nil {
		return
	}
	g.fail(ctx, pl.RequestID, cause.Error())
}

func (g *Generator) fail(ctx context.Context, id, msg string) {
	if _, err := g.store.TransitionGeneration(ctx, id, domain.GenFail, store.GenerationUpdate{ErrorMessage: msg}); err != nil {
		if !errors.Is(err, domain.ErrInvalidTransition) && !errors.Is(err, store.ErrStale) {
			log.Error().Err(err).Str("request_id", id).Msg("mark generation failed")
		}
	}
}

// scheduleCheck enqueues the next status check as a brand-new task. The
// poll attempt counter travels in the payload; the idempotency key makes a
// redelivered scheduling attempt a no-op.
func scheduleCheck(ctx context.Context, q queue.Repository, requestID string, attempts int, delay time.Duration) error {
	payload, err := json.Marshal(domain.CheckPayload{RequestID: requestID, Attempts: attempts})
	if err != nil {
		return err
	}
	key := fmt.Sprintf("check:%s:%d", requestID, attempts)
	_, err = q.Enqueue(ctx, domain.Task{
		Type:           domain.TaskCheckVideoState,
		Payload:        payload,
		MaxAttempts:    1,
		NextRunAt:      time.Now().UTC().Add(delay),
		IdempotencyKey: &key,
	})
	return err
}
