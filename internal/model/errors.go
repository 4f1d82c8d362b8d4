package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a resource already exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotValid is returned when a resource is not valid.
	ErrNotValid = errors.New("not valid")
	// ErrValidation is the validation error kind, requests that fail it have no side effects.
	ErrValidation = ErrNotValid
	// ErrQuotaExceeded is returned when an owner reached its sandbox cap.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrExhausted is returned when there are not enough free ports.
	ErrExhausted = errors.New("ports exhausted")
	// ErrMountConflict is returned when a mount path is already used by another volume.
	ErrMountConflict = errors.New("mount conflict")
	// ErrPathViolation is returned when a path resolves outside its allowed root.
	ErrPathViolation = errors.New("path violation")
	// ErrRuntimeTimeout is returned when a runtime call exceeds its deadline.
	ErrRuntimeTimeout = errors.New("runtime timeout")
	// ErrRuntimeRejected is returned when the runtime refuses a request and retrying is pointless.
	ErrRuntimeRejected = errors.New("runtime rejected")
	// ErrProxyPublish is returned when routes could not be applied on the proxy.
	ErrProxyPublish = errors.New("proxy publish failed")
	// ErrInvalidState is returned when an operation is not allowed in the sandbox current state.
	ErrInvalidState = fmt.Errorf("invalid state: %w", ErrNotValid)
)

// OpError carries the operation and sandbox that failed along with the cause.
type OpError struct {
	Op        string
	SandboxID string
	Err       error
}

func (e *OpError) Error() string {
	if e.SandboxID == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("%s sandbox %s: %s", e.Op, e.SandboxID, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// NewOpError wraps err with operation context, nil errors stay nil.
func NewOpError(op, sandboxID string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, SandboxID: sandboxID, Err: err}
}
