package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a missing record.
	ErrNotFound = errors.New("not found")

	// ErrStateInvalid indicates an expired, replayed or unknown authorization
	// state token. Callers must fail closed and must not retry.
	ErrStateInvalid = errors.New("authorization state invalid")

	// ErrTampered indicates an authentication failure while decrypting a
	// credential blob. The credential is unusable and the connector requires
	// re-authentication.
	ErrTampered = errors.New("credential blob failed authentication")

	// ErrNeedsReauth indicates the provider rejected our credentials and the
	// user has to go through the authorization flow again.
	ErrNeedsReauth = errors.New("connector requires re-authentication")

	// ErrQueueUnavailable indicates the durable queue backend is not
	// reachable. The dispatcher reacts by running work inline.
	ErrQueueUnavailable = errors.New("queue backend unavailable")
)

// RateLimitedError is returned by extractors when the provider responded with
// 429. RetryAfter carries the provider's hint when present; zero means the
// scheduler applies its standard backoff.
type RateLimitedError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s rate limited, retry after %s", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("%s rate limited", e.Provider)
}

// AsRateLimited unwraps err into a RateLimitedError if it is one.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
