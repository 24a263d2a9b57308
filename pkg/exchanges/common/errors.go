package common

import (
	"errors"
	"fmt"
)

// NetworkError is a transient failure talking to the venue. Retrying the
// same request is safe as long as the caller checks for a prior order first.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ExchangeError means the venue rejected the request.
type ExchangeError struct {
	Op   string
	Code int
	Msg  string
}

func (e *ExchangeError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("exchange rejected %s (code %d): %s", e.Op, e.Code, e.Msg)
	}
	return fmt.Sprintf("exchange rejected %s: %s", e.Op, e.Msg)
}

// IsRetryable reports whether err is a transient NetworkError.
func IsRetryable(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsRejected reports whether err is an ExchangeError.
func IsRejected(err error) bool {
	var ee *ExchangeError
	return errors.As(err, &ee)
}
