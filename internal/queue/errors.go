package queue

import (
	"errors"
	"fmt"

	"mailqueue/internal/throttle"
)

var (
	// ErrThrottled matches every rejected Put.
	ErrThrottled = throttle.ErrThrottled
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("invalid message")
	// ErrFlushInProgress is returned when another Flush, in this process or
	// another one on the same store, holds the flush lease.
	ErrFlushInProgress = errors.New("flush already in progress")
)

// ValidationError is a programmer error on Put; nothing is written.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid message: " + e.Reason }
func (e *ValidationError) Unwrap() error { return ErrValidation }

// DeliveryError reports a send failure during Flush. The row has already been
// marked dead when this error is returned.
type DeliveryError struct {
	ID       int64
	Template string
	Address  string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver message %d (%s to %s): %v", e.ID, e.Template, e.Address, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
