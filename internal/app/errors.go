package app

import (
	"errors"
	"fmt"
)

var (
	// ErrAnalysisFailed wraps any failure of the analysis step, including
	// transport errors from the reasoning service.
	ErrAnalysisFailed = errors.New("analysis failed")
	// ErrPersistence wraps a store failure after a successful analysis or on save.
	ErrPersistence = errors.New("persistence failure")
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func analysisError(err error) error {
	return fmt.Errorf("%w: %w", ErrAnalysisFailed, err)
}

func persistenceError(err error) error {
	return fmt.Errorf("%w: %w", ErrPersistence, err)
}
