package video

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"postflow/internal/aiprovider"
	"postflow/internal/domain"
	"postflow/internal/notify"
	"postflow/internal/queue"
	"postflow/internal/store"
	"postflow/internal/taskerr"
)

const (
	// MaxPollAttempts bounds the check chain: 30 checks at 30s intervals
	// is 15 minutes before the generation is declared timed out.
	MaxPollAttempts = 30
	// PollInterval is the fixed delay between checks.
	PollInterval = 30 * time.Second

	timeoutMessage = "Timeout: video generation took too long"
)

type Checker struct {
	store    store.Store
	provider aiprovider.Provider
	queue    queue.Repository
	notifier notify.Notifier
}

func NewChecker(st store.Store, provider aiprovider.Provider, q queue.Repository, n notify.Notifier) *Checker {
	return &Checker{store: st, provider: provider, queue: q, notifier: n}
}

func (c *Checker) Handle(ctx context.Context, task domain.Task) error {
	var pl domain.CheckPayload
	if err := json.Unmarshal(task.Payload, &pl); err != nil {
		return taskerr.Permanent(fmt.Errorf("invalid check payload: %w", err))
	}

	logger := log.With().Str("request_id", pl.RequestID).Int("poll_attempt", pl.Attempts+1).Logger()

	req, err := c.store.GetGeneration(ctx, pl.RequestID)
	if errors.Is(err, store.ErrNotFound) {
		return taskerr.Permanent(fmt.Errorf("generation request %s not found", pl.RequestID))
	}
	if err != nil {
		return fmt.Errorf("load generation request: %w", err)
	}
	if req.Status.Terminal() {
		// Redelivered or duplicate check for an already-settled request.
		logger.Info().Str("status", string(req.Status)).Msg("generation already terminal, skipping")
		return nil
	}

	if pl.Attempts >= MaxPollAttempts {
		logger.Error().Msg("video generation timed out")
		c.fail(ctx, pl.RequestID, timeoutMessage)
		return taskerr.Timeout(errors.New(timeoutMessage))
	}

	if err := c.store.SetGenerationPollAttempts(ctx, pl.RequestID, pl.Attempts+1); err != nil {
		logger.Error().Err(err).Msg("record poll attempt")
	}

	res, err := c.provider.CheckStatus(ctx, req.TaskID, req.Provider)
	if err != nil {
		// Unreachable provider is indistinguishable from "still running";
		// keep polling until the ceiling says otherwise.
		logger.Warn().Err(err).Msg("status check unreachable, will poll again")
		return c.reschedule(ctx, pl)
	}
	if !res.Success {
		logger.Warn().Str("error", res.Error).Msg("status check unsuccessful, will poll again")
		return c.reschedule(ctx, pl)
	}

	switch aiprovider.Canonical(res.Status) {
	case aiprovider.StateCompleted:
		return c.completed(ctx, &logger, pl.RequestID, res)
	case aiprovider.StateFailed:
		msg := res.Error
		if msg == "" {
			msg = "video generation failed"
		}
		logger.Error().Str("error", msg).Msg("generation failed on provider")
		c.fail(ctx, pl.RequestID, msg)
		return nil
	default:
		logger.Info().Str("provider_status", res.Status).Msg("generation still running")
		return c.reschedule(ctx, pl)
	}
}

// completed extracts the artifact URLs and settles the request. A success
// report without an extractable URL is a failure, not a completion.
func (c *Checker) completed(ctx context.Context, logger *zerolog.Logger, requestID string, res aiprovider.StatusResult) error {
	videoURL := aiprovider.ExtractVideoURL(res.Fields)
	if videoURL == "" {
		logger.Error().Interface("fields", res.Fields).Msg("provider reported success but no video URL found")
		msg := "no video URL found in response (missing result)"
		c.fail(ctx, requestID, msg)
		return taskerr.MissingResult(errors.New(msg))
	}
	thumbnailURL := aiprovider.ExtractThumbnailURL(res.Fields)

	req, err := c.store.TransitionGeneration(ctx, requestID, domain.GenComplete, store.GenerationUpdate{
		VideoURL:     videoURL,
		ThumbnailURL: thumbnailURL,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, store.ErrStale) {
			logger.Info().Msg("generation already terminal, skipping")
			return nil
		}
		return fmt.Errorf("mark generation completed: %w", err)
	}

	logger.Info().Str("video_url", videoURL).Msg("video generation completed")

	if err := c.notifier.Notify(ctx, req.UserID, "Video Ready!", "Your AI-generated video is ready to download."); err != nil {
		logger.Warn().Err(err).Msg("notify user")
	}
	return nil
}

func (c *Checker) fail(ctx context.Context, id, msg string) {
	if _, err := c.store.TransitionGeneration(ctx, id, domain.GenFail, store.GenerationUpdate{ErrorMessage: msg}); err != nil {
		if !errors.Is(err, domain.ErrInvalidTransition) && !errors.Is(err, store.ErrStale) {
			log.Error().Err(err).Str("request_id", id).Msg("mark generation failed")
		}
	}
}

func (c *Checker) reschedule(ctx context.Context, pl domain.CheckPayload) error {
	if err := scheduleCheck(ctx, c.queue, pl.RequestID, pl.Attempts+1, PollInterval); err != nil {
		return fmt.Errorf("schedule next check: %w", err)
	}
	return nil
}

// Failed lands the request in failed if the check task itself dies.
func (c *Checker) Failed(ctx context.Context, task domain.Task, cause error) {
	var pl domain.CheckPayload
	if err := json.Unmarshal(task.Payload, &pl); err != nil {
		return
	}
	c.fail(ctx, pl.RequestID, cause.Error())
}
