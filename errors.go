package stepflow

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes
const (
	// Definitional
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeDuplicate         = "DUPLICATE"
	ErrCodeInvalidStepNumber = "INVALID_STEP_NUMBER"
	ErrCodeUnknownKind       = "UNKNOWN_KIND"
	ErrCodeLastStep          = "LAST_STEP"
	ErrCodeStepInUse         = "STEP_IN_USE"

	// Assignment state
	ErrCodeAlreadyAssigned = "ALREADY_ASSIGNED"
	ErrCodeNotAssigned     = "NOT_ASSIGNED"
	ErrCodeInvalidTarget   = "INVALID_TARGET"
	ErrCodeNotActive       = "NOT_ACTIVE"
	ErrCodeNotApplicable   = "NOT_APPLICABLE"
	ErrCodeObsolete        = "OBSOLETE"

	ErrCodeScript         = "SCRIPT_ERROR"
	ErrCodeDeliveryFailed = "DELIVERY_FAILED"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)

// Error is a coded failure. Ref names the offending identifier.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Ref     string         `json:"ref,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Ref != "" {
		msg += fmt.Sprintf(" (ref: %s)", e.Ref)
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Unwrap returns the wrapped cause, if any
func (e *Error) Unwrap() error {
	return e.cause
}

// NewError creates a new coded error
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorWithRef creates a new coded error naming the offending identifier
func NewErrorWithRef(code, message, ref string) *Error {
	return &Error{Code: code, Message: message, Ref: ref}
}

// WrapError creates a coded error around cause
func WrapError(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithDetails adds details to the error
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// ScriptProblem is one error found while parsing or validating a script
type ScriptProblem struct {
	Line    int    `json:"line"`
	Command string `json:"command"`
	Message string `json:"message"`
}

func (p ScriptProblem) String() string {
	if p.Command == "" {
		return fmt.Sprintf("line %d: %s", p.Line, p.Message)
	}
	return fmt.Sprintf("line %d: %s: %s", p.Line, p.Command, p.Message)
}

// ScriptError collects every problem found in a script
type ScriptError struct {
	StepID   string          `json:"stepId,omitempty"`
	Problems []ScriptProblem `json:"problems"`
}

// Error implements the error interface
func (e *ScriptError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.String())
	}
	msg := fmt.Sprintf("[%s] invalid script", ErrCodeScript)
	if e.StepID != "" {
		msg += fmt.Sprintf(" (step: %s)", e.StepID)
	}
	return msg + ": " + strings.Join(parts, "; ")
}

// Code returns ErrCodeScript
func (e *ScriptError) Code() string {
	return ErrCodeScript
}

// Commands returns the command names that produced problems
func (e *ScriptError) Commands() []string {
	var names []string
	for _, p := range e.Problems {
		if p.Command != "" {
			names = append(names, p.Command)
		}
	}
	return names
}

// ErrorCode extracts the code of a coded error, or "" if err carries none
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var se *ScriptError
	if errors.As(err, &se) {
		return se.Code()
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsCode checks whether err carries the given code
func IsCode(err error, code string) bool {
	return ErrorCode(err) == code
}

// IsNotFound checks if an error is a not-found error
func IsNotFound(err error) bool {
	return IsCode(err, ErrCodeNotFound)
}

// IsAlreadyAssigned checks if an error reports a double assignment
func IsAlreadyAssigned(err error) bool {
	return IsCode(err, ErrCodeAlreadyAssigned)
}

// IsNotAssigned checks if an error reports a missing assignment
func IsNotAssigned(err error) bool {
	return IsCode(err, ErrCodeNotAssigned)
}

// IsInvalidTarget checks if an error reports a bad jump target
func IsInvalidTarget(err error) bool {
	return IsCode(err, ErrCodeInvalidTarget)
}

// IsScriptError checks if an error is a script validation failure
func IsScriptError(err error) bool {
	return IsCode(err, ErrCodeScript)
}

// NotFound is a shorthand used by the stores
func NotFound(entity, id string) *Error {
	return NewErrorWithRef(ErrCodeNotFound, entity+" not found", id)
}
