package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrSessionExists is returned when launching with a session code already in use.
	ErrSessionExists = errors.New("session code already exists")
	// ErrUnauthorized is returned when credentials do not match.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden is returned when the actor may not perform an operation.
	ErrForbidden = errors.New("forbidden")
	// ErrUserExists is returned when a username is already taken.
	ErrUserExists = errors.New("username already exists")
	// ErrConflict is returned when a record changed between read and write.
	ErrConflict = errors.New("record changed concurrently, reload and retry")
)

// InvalidTargetError reports a practical target that no slip can reach.
type InvalidTargetError struct {
	Target   int
	MinMarks int
	Reason   string
}

func (e *InvalidTargetError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid target marks %d: %s", e.Target, e.Reason)
	}
	return fmt.Sprintf("practical marks (%d) < smallest question mark (%d)", e.Target, e.MinMarks)
}

// ScoreRangeError reports a score above (or below) its allowed range.
type ScoreRangeError struct {
	Field string
	Value int
	Max   int
}

func (e *ScoreRangeError) Error() string {
	if e.Value < 0 {
		return fmt.Sprintf("%s cannot be negative (got %d)", e.Field, e.Value)
	}
	return fmt.Sprintf("%s cannot exceed max marks of %d (got %d)", e.Field, e.Max, e.Value)
}

// NoValidSlipError reports that no combination of questions sums to the target.
type NoValidSlipError struct {
	Target int
}

func (e *NoValidSlipError) Error() string {
	return fmt.Sprintf("no alternate slip possible for %d marks", e.Target)
}

// GuardViolationError reports a mutation attempted outside its permitted window.
type GuardViolationError struct {
	Action string
	Status Status
	Reason string
}

func (e *GuardViolationError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("%s not permitted: %s", e.Action, e.Reason)
	}
	return fmt.Sprintf("%s not permitted while %s: %s", e.Action, e.Status, e.Reason)
}

// InputError lists request fields that failed validation, keyed by field
// name.
type InputError struct {
	Fields map[string]string
}

func (e *InputError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

// IsValidation reports whether err is one of the input validation kinds.
func IsValidation(err error) bool {
	var (
		target *InvalidTargetError
		score  *ScoreRangeError
		slip   *NoValidSlipError
		input  *InputError
	)
	return errors.As(err, &target) || errors.As(err, &score) || errors.As(err, &slip) || errors.As(err, &input)
}

// IsGuardViolation reports whether err is a GuardViolationError.
func IsGuardViolation(err error) bool {
	var g *GuardViolationError
	return errors.As(err, &g)
}
