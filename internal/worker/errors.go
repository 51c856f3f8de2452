// Copyright 2025 James Ross
package worker

import (
	"errors"
	"fmt"
)

// HandlerTransient wraps a handler error that may succeed if the job is
// retried (a dependency timeout, a momentary unavailability). Dispatch
// also defaults to this classification for any handler error that
// isn't explicitly wrapped, since assuming a failure might clear on
// retry is the safer default than dead-lettering eagerly.
type HandlerTransient struct {
	Err error
}

func (e *HandlerTransient) Error() string {
	return fmt.Sprintf("worker: transient handler error: %v", e.Err)
}
func (e *HandlerTransient) Unwrap() error { return e.Err }

// HandlerPermanent wraps a handler error that retrying will never fix:
// an unknown job kind, arguments that fail extraction or schema
// validation, or a validation failure the handler itself raises.
// processDelivery dead-letters these immediately instead of spending
// the job's retry budget on an outcome that cannot change.
type HandlerPermanent struct {
	Err error
}

func (e *HandlerPermanent) Error() string {
	return fmt.Sprintf("worker: permanent handler error: %v", e.Err)
}
func (e *HandlerPermanent) Unwrap() error { return e.Err }

// isPermanent reports whether err (or something it wraps) is a
// HandlerPermanent.
func isPermanent(err error) bool {
	var p *HandlerPermanent
	return errors.As(err, &p)
}
