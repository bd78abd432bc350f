package dispatcher

import (
	"errors"
	"fmt"
)

// ErrNoCredentials means no credential is configured. It is not retried.
var ErrNoCredentials = errors.New("no credentials configured")

// ConfigurationError is a fatal setup problem. Callers must not retry it.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Err.Error()
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// IsConfigurationError reports whether err is a ConfigurationError
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// AggregateFailure is returned when every credential in the ordered list
// failed, or when the caller gave up first (Abandoned). Last is the final
// attempt's error.
type AggregateFailure struct {
	Attempts  int
	Abandoned bool
	Last      error
}

func (e *AggregateFailure) Error() string {
	if e.Abandoned {
		return fmt.Sprintf("dispatch abandoned by caller after %d attempts: %v", e.Attempts, e.Last)
	}
	return fmt.Sprintf("all %d credentials failed, last error: %v", e.Attempts, e.Last)
}

func (e *AggregateFailure) Unwrap() error {
	return e.Last
}

// IsAggregateFailure reports whether err is an AggregateFailure
func IsAggregateFailure(err error) bool {
	var af *AggregateFailure
	return errors.As(err, &af)
}
