package collab

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded indicates a join attempt against a full room.
	ErrCapacityExceeded = errors.New("collab: room capacity exceeded")
	// ErrRoomNotFound indicates an operation against an unknown room.
	ErrRoomNotFound = errors.New("collab: room not found")
	// ErrDocumentNotFound indicates a room without a hydrated document. Callers
	// must go through the registry hydrate path rather than creating one.
	ErrDocumentNotFound = errors.New("collab: document not found")
	// ErrUpdateRejected indicates an update blocked by the safety filter.
	ErrUpdateRejected = errors.New("collab: update rejected")

	errMissingDatabase = errors.New("database handle is required")
	errMissingStore    = errors.New("document store is required")
)

// ServiceError carries a stable operation.reason code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}
