// Package notify drains the notification outbox: a pool of workers claims
// pending rows in priority order and delivers each to its subscriber's
// channel (webhook POST or Slack message) with bounded, jittered retries.
package notify

import (
	"context"
	"errors"

	"github.com/trunkline-io/trunkline/pkg/models"
)

// Channel delivers one notification to a subscriber target.
type Channel interface {
	// Name matches Subscriber.Channel ("webhook", "slack").
	Name() string

	// Deliver sends the notification. The returned id is the channel's own
	// message identifier when it has one (Slack ts, endpoint message id).
	// Failures that retrying cannot fix must be wrapped with Permanent.
	Deliver(ctx context.Context, sub *models.Subscriber, n *models.Notification) (string, error)
}

// PermanentError marks a delivery failure no retry can fix: an archived
// Slack channel, a 4xx endpoint, a subscriber that no longer exists.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError. nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err or anything it wraps is a PermanentError.
func IsPermanent(err error) bool {
	var perr *PermanentError
	return errors.As(err, &perr)
}
