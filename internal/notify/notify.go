package notify

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Notifier delivers fire-and-forget user notifications. Delivery failures
// are the implementation's problem to log; callers never fail a task on a
// notification error.
type Notifier interface {
	Notify(ctx context.Context, userID, title, body string) error
}

// Log writes notifications to the application log. Stands in for push or
// email delivery.
type Log struct{}

func (Log) Notify(_ context.Context, userID, title, body string) error {
	log.Info().
		Str("user_id", userID).
		Str("title", title).
		Str("body", body).
		Msg("user notification")
	return nil
}
