// Package publish executes post:publish tasks: it claims a pending post,
// calls the publisher collaborator and drives the post's state machine to
// sent, back to pending for a retry, or to failed.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"postflow/internal/domain"
	"postflow/internal/publisher"
	"postflow/internal/store"
	"postflow/internal/taskerr"
)

type Handler struct {
	store store.Store
	pub   publisher.Publisher
}

func NewHandler(st store.Store, pub publisher.Publisher) *Handler {
	return &Handler{store: st, pub: pub}
}

func (h *Handler) Handle(ctx context.Context, task domain.Task) error {
	var pl domain.PublishPayload
	if err := json.Unmarshal(task.Payload, &pl); err != nil {
		return taskerr.Permanent(fmt.Errorf("invalid publish payload: %w", err))
	}

	logger := log.With().Str("post_id", pl.PostID).Int("attempt", task.Attempts+1).Logger()

	post, err := h.store.TransitionPost(ctx, pl.PostID, domain.PostDispatch, store.PostUpdate{})
	if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, store.ErrStale) {
		// Already sent, failed, or claimed by another worker. Not an error
		// for the caller.
		logger.Info().Msg("post already handled, skipping")
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return taskerr.Permanent(fmt.Errorf("post %s not found", pl.PostID))
	}
	if err != nil {
		return fmt.Errorf("claim post: %w", err)
	}

	logger.Info().Strs("platforms", post.Platforms).Msg("publishing post")

	result, err := h.pub.Publish(ctx, post)
	if err != nil {
		return h.failure(ctx, &logger, task, pl.PostID, err.Error(), nil)
	}
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "unknown error"
		}
		raw, _ := json.Marshal(result)
		return h.failure(ctx, &logger, task, pl.PostID, msg, raw)
	}

	raw, _ := json.Marshal(result)
	if _, err := h.store.TransitionPost(ctx, pl.PostID, domain.PostSucceed, store.PostUpdate{Results: raw}); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, store.ErrStale) {
			// A redelivered copy beat us to the terminal write.
			logger.Info().Msg("post already terminal, skipping")
			return nil
		}
		return fmt.Errorf("mark post sent: %w", err)
	}

	logger.Info().Msg("post published")
	return nil
}

// failure releases the post for another attempt, or fails it when this was
// the last one. Every publish failure is treated as retryable: platforms
// reject transiently often enough that distinguishing error classes here
// loses more posts than it saves attempts.
func (h *Handler) failure(ctx context.Context, logger *zerolog.Logger, task domain.Task, postID, msg string, results json.RawMessage) error {
	if task.Attempts+1 < task.MaxAttempts {
		logger.Warn().Str("error", msg).Msg("publish failed, releasing post for retry")
		if _, err := h.store.TransitionPost(ctx, postID, domain.PostRelease, store.PostUpdate{LastError: msg}); err != nil {
			logger.Error().Err(err).Msg("release post")
		}
		return taskerr.Transientf("publish post %s: %s", postID, msg)
	}

	logger.Error().Str("error", msg).Msg("publish failed permanently")
	if _, err := h.store.TransitionPost(ctx, postID, domain.PostFail, store.PostUpdate{LastError: msg, Results: results}); err != nil {
		logger.Error().Err(err).Msg("fail post")
	}
	return taskerr.Permanent(fmt.Errorf("publish post %s: %s", postID, msg))
}

// Failed lands the post in failed if the retry chain died without reaching
// a terminal state (the queue gave up, or the payload was unusable).
func (h *Handler) Failed(ctx context.Context, task domain.Task, cause error) {
	var pl domain.PublishPayload
	if err := json.Unmarshal(task.Payload, &pl); err != nil {
		return
	}
	msg := fmt.Sprintf("failed after %d attempts: %v", task.MaxAttempts, cause)

	if _, err := h.store.TransitionPost(ctx, pl.PostID, domain.PostFail, store.PostUpdate{LastError: msg}); err == nil {
		return
	}
	// The post was released back to pending before the chain died: claim
	// it so it can be failed, instead of leaving it stuck.
	if _, err := h.store.TransitionPost(ctx, pl.PostID, domain.PostDispatch, store.PostUpdate{}); err != nil {
		return
	}
	if _, err := h.store.TransitionPost(ctx, pl.PostID, domain.PostFail, store.PostUpdate{LastError: msg}); err != nil {
		log.Error().Err(err).Str("post_id", pl.PostID).Msg("mark post failed")
	}
}
