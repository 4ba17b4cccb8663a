package chat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/lunarc/aika/internal/backend"
)

// ErrorCategory buckets a failed turn for rendering
type ErrorCategory string

const (
	// CategoryNetwork covers unreachable or dropped connections
	CategoryNetwork ErrorCategory = "network"
	// CategoryServer covers 5xx responses and malformed replies
	CategoryServer ErrorCategory = "server"
	// CategoryTimeout covers deadline and timeout failures
	CategoryTimeout ErrorCategory = "timeout"
	// CategoryRateLimit covers 429 responses
	CategoryRateLimit ErrorCategory = "rate-limit"
	// CategoryAuth covers 401/403 responses
	CategoryAuth ErrorCategory = "auth"
	// CategoryUnknown is everything else
	CategoryUnknown ErrorCategory = "unknown"
)

// ErrTurnActive is returned when a submission arrives while another turn is
// still in flight. One turn at a time; the caller decides whether to queue.
var ErrTurnActive = errors.New("a chat turn is already in progress")

// ErrNoBackend is returned by Submit when the connection is down and no
// fallback backend is configured
var ErrNoBackend = errors.New("no backend configured")

// TurnError is a classified, user-visible turn failure. It renders as a
// distinct error transcript entry with a suggested remedy and is never
// thrown past the controller.
type TurnError struct {
	Category ErrorCategory
	Message  string
	Remedy   string
	Err      error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Category, e.Message)
}

func (e *TurnError) Unwrap() error {
	return e.Err
}

// ClassifyError converts a turn execution failure into a TurnError
func ClassifyError(err error) *TurnError {
	var statusErr *backend.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.Code == 429:
			return &TurnError{
				Category: CategoryRateLimit,
				Message:  "The assistant is receiving too many requests right now.",
				Remedy:   "Wait a moment and try again.",
				Err:      err,
			}
		case statusErr.Code == 401 || statusErr.Code == 403:
			return &TurnError{
				Category: CategoryAuth,
				Message:  "The backend rejected this client's credentials.",
				Remedy:   "Check the configured API credentials.",
				Err:      err,
			}
		case statusErr.Code >= 500:
			return &TurnError{
				Category: CategoryServer,
				Message:  "The assistant backend hit an internal error.",
				Remedy:   "Try again; if it keeps failing, check the backend logs.",
				Err:      err,
			}
		default:
			return &TurnError{
				Category: CategoryServer,
				Message:  fmt.Sprintf("The backend refused the request (status %d).", statusErr.Code),
				Remedy:   "Try rephrasing your message.",
				Err:      err,
			}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &TurnError{
			Category: CategoryTimeout,
			Message:  "The assistant took too long to respond.",
			Remedy:   "Try again with a shorter message.",
			Err:      err,
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TurnError{
			Category: CategoryTimeout,
			Message:  "The assistant took too long to respond.",
			Remedy:   "Try again with a shorter message.",
			Err:      err,
		}
	}

	var urlErr *url.Error
	var opErr *net.OpError
	if errors.As(err, &urlErr) || errors.As(err, &opErr) {
		return &TurnError{
			Category: CategoryNetwork,
			Message:  "Couldn't reach the assistant backend.",
			Remedy:   "Check your connection and try again.",
			Err:      err,
		}
	}

	return &TurnError{
		Category: CategoryUnknown,
		Message:  "Something went wrong handling that message.",
		Remedy:   "Try again.",
		Err:      err,
	}
}
