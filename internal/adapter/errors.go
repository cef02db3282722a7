package adapter

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument means a command was called with missing input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrPreconditionFailed means the session is not in a state that allows
	// the command.
	ErrPreconditionFailed = errors.New("precondition failed")
)

// DeliveryFailedError wraps a failure reported by the messaging client while
// sending. The caller may retry.
type DeliveryFailedError struct {
	ChatID string
	Err    error
}

func (e *DeliveryFailedError) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.ChatID, e.Err)
}

func (e *DeliveryFailedError) Unwrap() error {
	return e.Err
}

// Details is the client's own description of the failure.
func (e *DeliveryFailedError) Details() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}
