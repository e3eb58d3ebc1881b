// Package errors provides the error taxonomy of the inbox engine.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common cases
var (
	ErrNoAddresses     = errors.New("no addresses provided for group creation")
	ErrNoConversation  = errors.New("no conversation selected and no participants to create one")
	ErrEmptyContent    = errors.New("message content cannot be empty")
	ErrNotFound        = errors.New("conversation not found")
	ErrUnsupportedKind = errors.New("unsupported conversation kind")
	ErrClosed          = errors.New("inbox is closed")
)

// Stage names the step of a flow an error was raised in.
type Stage string

const (
	StageSync     Stage = "sync"
	StageList     Stage = "list"
	StageLoad     Stage = "load"
	StageCreate   Stage = "create"
	StageSend     Stage = "send"
	StageMutation Stage = "mutation"
)

// StageError is an error scoped to one stage of a conversation flow.
type StageError struct {
	Stage          Stage
	ConversationID string
	Err            error
}

func (e *StageError) Error() string {
	if e.ConversationID == "" {
		return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s failed for conversation %s: %v", e.Stage, e.ConversationID, e.Err)
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError wraps err for stage. A nil err yields nil.
func NewStageError(stage Stage, conversationID string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, ConversationID: conversationID, Err: err}
}

// StageOf returns the stage of the first StageError in err's chain.
func StageOf(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}

// Message returns a short user facing description of err, or "" for nil.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Err.Error()
	}
	return err.Error()
}
