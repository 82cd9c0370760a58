package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies workflow failures.
type ErrorKind string

const (
	KindIngestion       ErrorKind = "ingestion"
	KindValidation      ErrorKind = "validation"
	KindNetwork         ErrorKind = "network"
	KindServiceRejected ErrorKind = "service_rejected"
)

var (
	// ErrBusy is returned when an operation would race an in-flight conversion.
	ErrBusy = errors.New("a conversion is in progress")
	// ErrSuperseded is returned when a result arrives for a document that has since been replaced.
	ErrSuperseded = errors.New("result superseded by a newer document")
)

// WorkflowError is a classified failure with a human readable message.
type WorkflowError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *WorkflowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// Reason is the text shown next to the action that failed.
func (e *WorkflowError) Reason() string {
	return e.Message
}

func newError(kind ErrorKind, message string, err error) *WorkflowError {
	return &WorkflowError{Kind: kind, Message: message, Err: err}
}

func IngestionError(message string, err error) *WorkflowError {
	return newError(KindIngestion, message, err)
}

func ValidationError(message string) *WorkflowError {
	return newError(KindValidation, message, nil)
}

func NetworkError(message string, err error) *WorkflowError {
	return newError(KindNetwork, message, err)
}

func ServiceRejected(message string) *WorkflowError {
	return newError(KindServiceRejected, message, nil)
}

// KindOf returns the kind of a WorkflowError in err's chain, or "" when there is none.
func KindOf(err error) ErrorKind {
	var we *WorkflowError
	if errors.As(err, &we) {
		return we.Kind
	}
	return ""
}

// ReasonOf returns the user-facing reason for err.
func ReasonOf(err error) string {
	var we *WorkflowError
	if errors.As(err, &we) {
		return we.Reason()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
