package gateway

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

// Kind classifies every failure the gateway can report.
type Kind string

const (
	// AuthRequired is reported for HTTP 401 from any endpoint.
	AuthRequired Kind = "auth_required"
	// Unavailable covers transport failures, timeouts and cancellation.
	Unavailable Kind = "unavailable"
	// Rejected covers every other non-success response.
	Rejected Kind = "rejected"
)

const (
	msgAuthRequired = "Authentication required. Please sign in again."
	msgUnavailable  = "Failed to get response. Please try again."
)

// Error is the only error type returned by Gateway.Send.
type Error struct {
	Kind     Kind
	Endpoint string
	Status   int
	// Message is safe to show to a user: the server supplied text when
	// there was one, otherwise a generic line for the kind.
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s (status %d): %s", e.Kind, e.Endpoint, e.Status, e.Message)
	}
	return fmt.Sprintf("%s %s: %s", e.Kind, e.Endpoint, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is match on kind alone, e.g. errors.Is(err, ErrAuthRequired).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Endpoint == "" && t.Status == 0 && t.Message == "" && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrAuthRequired = &Error{Kind: AuthRequired}
	ErrUnavailable  = &Error{Kind: Unavailable}
	ErrRejected     = &Error{Kind: Rejected}
)

// KindOf returns the kind of a gateway error anywhere in err's chain, or
// "" when err did not come from the gateway.
func KindOf(err error) Kind {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return ""
}

// MessageOf returns the user facing message of a gateway error, falling
// back to err.Error() for anything else.
func MessageOf(err error) string {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func authRequired(endpoint string) *Error {
	return &Error{Kind: AuthRequired, Endpoint: endpoint, Status: 401, Message: msgAuthRequired}
}

func unavailable(endpoint string, cause error) *Error {
	return &Error{Kind: Unavailable, Endpoint: endpoint, Message: msgUnavailable, cause: cause}
}

func rejected(endpoint string, status int, message string, cause error) *Error {
	if message == "" {
		if status != 0 {
			message = fmt.Sprintf("request failed with status %d", status)
		} else {
			message = "unexpected response from server"
		}
	}
	return &Error{Kind: Rejected, Endpoint: endpoint, Status: status, Message: message, cause: cause}
}

func tooLargeMessage(limit int64) string {
	return fmt.Sprintf("response exceeds the %s limit", humanize.IBytes(uint64(limit)))
}
