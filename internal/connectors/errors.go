package connectors

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnsupportedCapability: коннектор не знает такой capability.
var ErrUnsupportedCapability = errors.New("capability not supported by connector")

// ThrottleError: внешняя система попросила повторить позже.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }
