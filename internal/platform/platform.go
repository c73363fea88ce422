package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tg-spybot-go/internal/models"
)

// Fetcher retrieves new messages from a watched chat. Messages are returned in
// ascending message-ID order together with the new cursor. When no new
// messages exist the returned cursor equals sinceCursor.
type Fetcher interface {
	Fetch(ctx context.Context, chatID string, sinceCursor int64) ([]models.Message, int64, error)
}

// Sender delivers a text payload to a destination chat.
type Sender interface {
	Send(ctx context.Context, destination int64, text string) error
}

// FloodError is the platform telling us to back off. It is a scheduling
// signal, not a failure: the caller records it in the rate budget and retries
// after the cooldown.
type FloodError struct {
	RetryAfter time.Duration
}

func (e *FloodError) Error() string {
	return fmt.Sprintf("flood control: retry after %s", e.RetryAfter)
}

// PermanentError marks a request that will not succeed on retry, such as an
// invalid chat identifier or a revoked credential.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// AsFlood extracts the flood signal from an error chain.
func AsFlood(err error) (*FloodError, bool) {
	var fe *FloodError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// IsPermanent reports whether the error chain contains a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsTransient reports whether the error is retryable: anything that is
// neither a flood signal nor permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if _, flood := AsFlood(err); flood {
		return false
	}
	return !IsPermanent(err)
}
