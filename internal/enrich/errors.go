package enrich

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/TobiSchelling/graded/internal/llm"
)

// Kind classifies an enrichment failure for the retry policy.
type Kind int

const (
	// Transient failures may succeed on a later attempt.
	Transient Kind = iota
	// Permanent failures will not succeed without operator action.
	Permanent
)

func (k Kind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// Error is the typed failure returned by an Invoker.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s enrichment failure: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s enrichment failure: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func transient(reason string, err error) *Error {
	return &Error{Kind: Transient, Reason: reason, Err: err}
}

func permanent(reason string, err error) *Error {
	return &Error{Kind: Permanent, Reason: reason, Err: err}
}

// IsPermanent reports whether err is a permanent enrichment failure.
func IsPermanent(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == Permanent
}

// classify maps a provider error onto the failure taxonomy.
func classify(err error) *Error {
	var se *llm.StatusError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return transient("timeout", err)
	case errors.Is(err, context.Canceled):
		return transient("canceled", err)
	case errors.As(err, &se):
		switch {
		case se.StatusCode == http.StatusRequestTimeout,
			se.StatusCode == http.StatusTooManyRequests,
			se.StatusCode >= 500:
			return transient(fmt.Sprintf("service returned %d", se.StatusCode), err)
		case se.StatusCode >= 400:
			return permanent(fmt.Sprintf("request rejected with %d", se.StatusCode), err)
		}
		return transient(fmt.Sprintf("unexpected status %d", se.StatusCode), err)
	default:
		return transient("service unavailable", err)
	}
}
