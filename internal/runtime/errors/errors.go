package errors

import sterrors "errors"

var (
	ErrConfigRequired     = sterrors.New("fanflow: config is required")
	ErrLoggerRequired     = sterrors.New("fanflow: logger is required")
	ErrHandlerRequired    = sterrors.New("fanflow: handler function is required")
	ErrQueueRequired      = sterrors.New("fanflow: queue name is required")
	ErrTopicRequired      = sterrors.New("fanflow: topic name is required")
	ErrQueuesRequired     = sterrors.New("fanflow: queue client is required")
	ErrTopicsRequired     = sterrors.New("fanflow: topic client is required")
	ErrRunnerNameRequired = sterrors.New("fanflow: runner name is required")
)

// ConfigValidationError wraps the joined validation failures of a Config so
// callers can distinguish bad configuration from runtime failures.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "fanflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err in a ConfigValidationError, or returns
// nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
