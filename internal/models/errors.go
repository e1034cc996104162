package models

import "fmt"

// ErrorType identifies the category of a stage failure.
type ErrorType string

const (
	// Generate stage
	ErrGenerateFailed  ErrorType = "generate_failed"
	ErrGenerateTimeout ErrorType = "generate_timeout"

	// Validate stage
	ErrValidateFailed ErrorType = "validate_failed"

	// Split stage
	ErrSplitFailed       ErrorType = "split_failed"
	ErrSplitRatioInvalid ErrorType = "split_ratio_invalid"

	// Train stage
	ErrTrainFailed  ErrorType = "train_failed"
	ErrTrainTimeout ErrorType = "train_timeout"

	// Infrastructure (fatal for the whole run)
	ErrStateStoreFailed ErrorType = "state_store_failed"

	// Catch-all
	ErrInternalError ErrorType = "internal_error"
)

// FatalError wraps an infrastructure failure that must abort the whole run
// rather than only the current round.
type FatalError struct {
	Type ErrorType
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal wraps err as an infrastructure failure.
func Fatal(t ErrorType, err error) *FatalError {
	return &FatalError{Type: t, Err: err}
}
