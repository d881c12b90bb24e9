package provider

import "errors"

// Classification splits provider failures into the two classes the apply
// engine cares about: transient failures are retried with backoff,
// permanent failures taint the resource and halt its subtree.
type Classification string

const (
	// ClassTransient marks network, timeout, and throttling failures.
	ClassTransient Classification = "transient"
	// ClassPermanent marks validation, permission, and conflict
	// failures that need operator intervention.
	ClassPermanent Classification = "permanent"
)

// Error wraps a provider failure with its classification.
type Error struct {
	Class Classification
	Err   error
}

func (e *Error) Error() string {
	return string(e.Class) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retriable failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassTransient, Err: err}
}

// Permanent wraps err as a non-retriable failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassPermanent, Err: err}
}

// ClassOf returns the classification of err. Unclassified errors are
// treated as permanent: retrying an unknown failure against real
// infrastructure is riskier than surfacing it.
func ClassOf(err error) Classification {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ClassPermanent
}

// IsTransient reports whether err is classified as retriable.
func IsTransient(err error) bool {
	return ClassOf(err) == ClassTransient
}

// IsNotFound reports whether err indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
