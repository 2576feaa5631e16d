package answer

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrRetrieval    = errors.New("retrieval failed")
	ErrGeneration   = errors.New("generation failed")
)

// StageError records which step of an orchestration failed. It matches
// both its class sentinel and the underlying cause with errors.Is.
type StageError struct {
	Stage string
	Class error
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Stage, e.Class)
	}
	return fmt.Sprintf("%s: %v: %v", e.Stage, e.Class, e.Err)
}

func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Class}
	}
	return []error{e.Class, e.Err}
}
