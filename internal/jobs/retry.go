package jobs

import (
	"context"
	"time"

	apperrors "github.com/filevault/filevault/internal/errors"
	"github.com/filevault/filevault/internal/logger"
)

// transfer retry state machine. Destinations are assumed intermittently
// reachable, so transient errors retry indefinitely with capped backoff;
// only caller cancellation ends the loop early. Non-transient errors are
// terminal immediately.
type retryState int

const (
	statePending retryState = iota
	stateInFlight
	stateRetryWait
	stateTerminal
)

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// RetryTransient drives fn through the pending → in-flight → retry-wait
// cycle until it reaches a terminal state. name identifies the transfer in
// retry logs.
func RetryTransient(ctx context.Context, log *logger.Logger, name string, fn func(ctx context.Context) error) error {
	state := statePending
	backoff := initialBackoff
	attempt := 0

	var err error
	for state != stateTerminal {
		switch state {
		case statePending:
			state = stateInFlight

		case stateInFlight:
			attempt++
			err = fn(ctx)
			if err == nil || !apperrors.IsTransient(err) {
				state = stateTerminal
				break
			}
			if log != nil {
				log.Warn("Transfer failed, will retry", "name", name, "attempt", attempt, "backoff", backoff, "error", err)
			}
			state = stateRetryWait

		case stateRetryWait:
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			state = stateInFlight
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return err
}
