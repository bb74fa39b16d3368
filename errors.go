package main

import (
	"context"
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindNotFound               ErrorKind = "NOT_FOUND"
	KindInvalidInput           ErrorKind = "INVALID_INPUT"
	KindPreconditionFailed     ErrorKind = "PRECONDITION_FAILED"
	KindStoreUnavailable       ErrorKind = "STORE_UNAVAILABLE"
	KindConflictRetryExhausted ErrorKind = "CONFLICT_RETRY_EXHAUSTED"
	KindTimeout                ErrorKind = "TIMEOUT"
)

// Reason narrows KindPreconditionFailed.
type Reason string

const (
	ReasonDead                    Reason = "DEAD"
	ReasonAtCap                   Reason = "AT_CAP"
	ReasonTooShallow              Reason = "TOO_SHALLOW"
	ReasonTooDeep                 Reason = "TOO_DEEP"
	ReasonInsufficientCollectible Reason = "INSUFFICIENT_COLLECTIBLE"
	ReasonNoReference             Reason = "NO_REFERENCE"
)

var errConflictExhausted = errors.New("conflict retries exhausted")

// ActionError is the failure type returned by every gateway operation.
type ActionError struct {
	Kind    ErrorKind
	Reason  Reason
	Message string
	Err     error
}

func (e *ActionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code(), e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code(), e.Message)
}

func (e *ActionError) Unwrap() error { return e.Err }

// Code is the wire error code: the precondition subtype when there is one.
func (e *ActionError) Code() string {
	if e.Reason != "" {
		return string(e.Reason)
	}
	return string(e.Kind)
}

// Transient reports whether retrying the same request may succeed.
func (e *ActionError) Transient() bool {
	switch e.Kind {
	case KindStoreUnavailable, KindConflictRetryExhausted, KindTimeout:
		return true
	}
	return false
}

func invalidInput(msg string) *ActionError {
	return &ActionError{Kind: KindInvalidInput, Message: msg}
}

func preconditionFailed(reason Reason, msg string) *ActionError {
	return &ActionError{Kind: KindPreconditionFailed, Reason: reason, Message: msg}
}

func notFound(username string) *ActionError {
	return &ActionError{Kind: KindNotFound, Message: fmt.Sprintf("player %q not found", username)}
}

// classifyError maps store and context errors onto the action taxonomy.
func classifyError(username string, err error) error {
	if err == nil {
		return nil
	}
	var actionErr *ActionError
	if errors.As(err, &actionErr) {
		return actionErr
	}
	switch {
	case errors.Is(err, ErrPlayerNotFound):
		return notFound(username)
	case errors.Is(err, errConflictExhausted):
		return &ActionError{Kind: KindConflictRetryExhausted, Message: "too many concurrent updates, try again", Err: err}
	case errors.Is(err, context.Canceled):
		return &ActionError{Kind: KindTimeout, Message: "the request was canceled", Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &ActionError{Kind: KindTimeout, Message: "the action timed out, try again", Err: err}
	default:
		return &ActionError{Kind: KindStoreUnavailable, Message: "storage is unavailable, try again later", Err: err}
	}
}
