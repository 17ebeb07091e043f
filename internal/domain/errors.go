// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a uniqueness or concurrent update conflict.
var ErrConflict = errors.New("conflict: resource already exists or was modified by another request")

// ErrIllegalTransition indicates a protocol or step state-machine violation.
var ErrIllegalTransition = errors.New("illegal status transition")

// ErrValidation indicates input that fails a static contract
// (missing required field, malformed enum, unresolvable prompt path).
var ErrValidation = errors.New("validation failed")

// ErrPolicyViolation indicates one or more block-severity findings
// under block enforcement mode.
var ErrPolicyViolation = errors.New("policy violation")

// ErrEngineFailure indicates an engine adapter returned non-success
// or its subprocess exited non-zero.
var ErrEngineFailure = errors.New("engine failure")

// ErrTimeout indicates a deadline exceeded at a queue or adapter boundary.
var ErrTimeout = errors.New("timeout")

// ErrStorage indicates a persistence-layer failure. Callers retry these.
var ErrStorage = errors.New("storage failure")

// ErrDependency indicates a required external binary is missing
// (git, gh, an engine CLI).
var ErrDependency = errors.New("missing dependency")

// Retryable reports whether an error should be retried by the worker runtime.
// Only storage failures and timeouts are transient by contract.
func Retryable(err error) bool {
	return errors.Is(err, ErrStorage) || errors.Is(err, ErrTimeout)
}
