package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNotFound is returned when a task id does not exist.
var ErrNotFound = errors.New("task not found")

// InvalidRangeError is returned when a target position lies outside [Min, Max].
type InvalidRangeError struct {
	Min       int
	Max       int
	Requested int
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("position %d outside valid range [%d, %d]", e.Requested, e.Min, e.Max)
}

// ValidationError lists the fields that failed their constraints, keyed by
// field name.
type ValidationError struct {
	Fields map[string]string
}

// Add records a message for field, keeping the first one reported.
func (e *ValidationError) Add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, ok := e.Fields[field]; !ok {
		e.Fields[field] = msg
	}
}

// Empty reports whether no field was rejected.
func (e *ValidationError) Empty() bool {
	return len(e.Fields) == 0
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// StoreError wraps a failure of the underlying persistence layer.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// WrapStore tags err with the store operation that produced it. Expected
// outcomes such as ErrNotFound pass through untouched.
func WrapStore(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// InvariantError describes the first violation of the dense ordering found by
// a consistency check.
type InvariantError struct {
	Position int
	Reason   string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("order invariant violated at position %d: %s", e.Position, e.Reason)
}
