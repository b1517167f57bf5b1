// Package services defines the business logic for application submissions.
// This file centralizes service-level error values so they can be returned
// consistently by service methods and checked by callers.
//
// Translation into HTTP status codes is performed by the handler layer.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidDraft is returned when user_name or description is blank
	// after trimming.
	ErrInvalidDraft = errors.New("user_name and description are required")

	// ErrApplicationNotFound indicates that no application has the given id.
	ErrApplicationNotFound = errors.New("application not found")

	// ErrInvalidPage is returned when page < 1 or size is outside
	// [1, MaxPageSize].
	ErrInvalidPage = errors.New("page or size out of range")
)

// Stage names the workflow step that failed.
type Stage string

// StagePersist is the only stage whose failure reaches the caller; publish
// failures are reported through the Submission instead.
const StagePersist Stage = "persist"

// WorkflowError wraps the failure of a workflow stage.
type WorkflowError struct {
	Stage Stage
	Err   error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("workflow %s: %v", e.Stage, e.Err)
}

func (e *WorkflowError) Unwrap() error { return e.Err }
