package query

import (
	"errors"
	"fmt"
)

// Code categorizes compilation errors.
//
// InvalidQuery, InvalidField, InvalidRelation and Disabled map to client
// errors in the embedding server; Runtime is always a defect here. Every
// error is raised synchronously during parse or compile, never deferred to
// execution, and none are retryable.
type Code string

const (
	// CodeInvalidQuery indicates a malformed query-object shape: wrong
	// type, wrong operator arity, incompatible mixed-mode projection.
	CodeInvalidQuery Code = "INVALID_QUERY"

	// CodeInvalidField indicates an unknown or unusable field name.
	CodeInvalidField Code = "INVALID_FIELD"

	// CodeInvalidRelation indicates an unknown relation name.
	CodeInvalidRelation Code = "INVALID_RELATION"

	// CodeDisabled indicates a section or relation turned off by server
	// configuration rather than a genuinely unknown name.
	CodeDisabled Code = "DISABLED"

	// CodeRuntime indicates a violated internal invariant.
	CodeRuntime Code = "RUNTIME"
)

// Error is a structured compilation error.
type Error struct {
	Code    Code
	Message string

	// Entity, Field and Section locate the offending name.
	Entity  string
	Field   string
	Section string
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Entity != "" && e.Field != "":
		return fmt.Sprintf("%s: %s (entity=%s, field=%s, section=%s)", e.Code, e.Message, e.Entity, e.Field, e.Section)
	case e.Section != "":
		return fmt.Sprintf("%s: %s (section=%s)", e.Code, e.Message, e.Section)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

func invalidQuery(section, format string, args ...any) *Error {
	return &Error{Code: CodeInvalidQuery, Section: section, Message: fmt.Sprintf(format, args...)}
}

func invalidField(entity, field, section, format string, args ...any) *Error {
	return &Error{Code: CodeInvalidField, Entity: entity, Field: field, Section: section, Message: fmt.Sprintf(format, args...)}
}

func invalidRelation(entity, relation, section string) *Error {
	return &Error{Code: CodeInvalidRelation, Entity: entity, Field: relation, Section: section,
		Message: fmt.Sprintf("unknown relation %q", relation)}
}

func disabled(entity, what, section string) *Error {
	return &Error{Code: CodeDisabled, Entity: entity, Field: what, Section: section,
		Message: fmt.Sprintf("%q is disabled by server configuration", what)}
}

func runtimeErr(format string, args ...any) *Error {
	return &Error{Code: CodeRuntime, Message: fmt.Sprintf(format, args...)}
}

func is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsInvalidQuery reports whether err is a malformed-query error.
// Uses errors.As to handle wrapped errors.
func IsInvalidQuery(err error) bool { return is(err, CodeInvalidQuery) }

// IsInvalidField reports whether err is an unknown-field error.
func IsInvalidField(err error) bool { return is(err, CodeInvalidField) }

// IsInvalidRelation reports whether err is an unknown-relation error.
func IsInvalidRelation(err error) bool { return is(err, CodeInvalidRelation) }

// IsDisabled reports whether err is a configuration-disabled error.
func IsDisabled(err error) bool { return is(err, CodeDisabled) }

// IsRuntime reports whether err is an internal invariant violation.
func IsRuntime(err error) bool { return is(err, CodeRuntime) }
