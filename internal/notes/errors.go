package notes

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that no document exists for the identity.
	ErrNotFound = errors.New("notes: not found")
	// ErrCorruptDocument indicates a document without a parseable metadata block.
	ErrCorruptDocument = errors.New("notes: corrupt document")
	// ErrInvalidMetadata indicates a parseable block missing required fields.
	// It is a CorruptDocument for every caller that checks with errors.Is.
	ErrInvalidMetadata = fmt.Errorf("%w: invalid metadata", ErrCorruptDocument)
	// ErrWriteFailure indicates that persisting a document failed.
	ErrWriteFailure = errors.New("notes: write failure")
	// ErrInvalidNoteID indicates that a note identifier is not a safe filename.
	ErrInvalidNoteID = errors.New("notes: invalid note id")
	// ErrInvalidPatch indicates an update request with unknown values.
	ErrInvalidPatch = errors.New("notes: invalid patch")
)

// ServiceError carries a stable `<operation>.<reason>` code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

// NewServiceError builds a ServiceError coded as `<operation>.<reason>`.
func NewServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ErrorCode extracts the service code from err, or "" when none is attached.
func ErrorCode(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}
