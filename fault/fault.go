// Package fault defines the structured error taxonomy shared by all strata
// packages.
//
// Every error that crosses a package boundary carries a [Code] plus enough
// context (OID, part name, field path) to localize the problem without
// string matching. Use [CodeOf] or [IsCode] to classify wrapped errors.
package fault

import (
	"fmt"
	"strings"

	"github.com/strataforge/strata/oid"
)

// Code classifies an error.
type Code string

const (
	// NotFound is returned when an OID or part is absent.
	NotFound Code = "NOT_FOUND"
	// Validation is returned when a document violates its kind's schema.
	Validation Code = "VALIDATION_FAILED"
	// DanglingReference is returned when a reference targets a removed or
	// absent OID.
	DanglingReference Code = "DANGLING_REFERENCE"
	// ShapeMismatch is returned when array data disagrees with the declared
	// shape or element type.
	ShapeMismatch Code = "SHAPE_MISMATCH"
	// Corruption is returned when a container is structurally unreadable or
	// fails a checksum or consistency check.
	Corruption Code = "CORRUPTION"
	// ConcurrentModification is returned when a conflicting in-place update
	// is detected.
	ConcurrentModification Code = "CONCURRENT_MODIFICATION"
)

// Error is a classified error with structured context. All fields besides
// the code and message are optional; constructors and With* methods fill
// them in as the error travels up.
type Error struct {
	code    Code
	msg     string
	oid     oid.OID
	part    string
	field   string
	wrapped error
}

// New creates an Error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{code: code, msg: msg}
}

// Newf creates an Error with a formatted message. A trailing %w verb wraps
// the corresponding error argument, same as fmt.Errorf.
func Newf(code Code, format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	e := &Error{code: code, msg: err.Error()}
	if u, ok := err.(interface{ Unwrap() error }); ok {
		e.wrapped = u.Unwrap()
	}
	return e
}

// WithOID records the OID the error is about.
func (e *Error) WithOID(id oid.OID) *Error {
	e.oid = id
	return e
}

// WithPart records the container part the error is about.
func (e *Error) WithPart(name string) *Error {
	e.part = name
	return e
}

// WithField records the field path within a document.
func (e *Error) WithField(path string) *Error {
	e.field = path
	return e
}

// Wrap records an underlying cause.
func (e *Error) Wrap(err error) *Error {
	e.wrapped = err
	return e
}

// Code returns the error's classification.
func (e *Error) Code() Code {
	return e.code
}

// OID returns the OID the error is about, or the zero OID.
func (e *Error) OID() oid.OID {
	return e.oid
}

// Part returns the part name the error is about, if any.
func (e *Error) Part() string {
	return e.part
}

// Field returns the field path the error is about, if any.
func (e *Error) Field() string {
	return e.field
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.code))
	b.WriteString(": ")
	b.WriteString(e.msg)
	var ctx []string
	if e.part != "" {
		ctx = append(ctx, "part="+e.part)
	}
	if !e.oid.IsZero() {
		ctx = append(ctx, "oid="+e.oid.String())
	}
	if e.field != "" {
		ctx = append(ctx, "field="+e.field)
	}
	if len(ctx) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(ctx, " "))
		b.WriteString("]")
	}
	return b.String()
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.wrapped
}

// CodeOf returns the Code of the first *Error found in err's tree, or ""
// if there is none. Both single-cause and multi-cause (errors.Join, Report)
// wrapping are traversed.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if e, ok := err.(*Error); ok {
		return e.code
	}
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		return CodeOf(u.Unwrap())
	case interface{ Unwrap() []error }:
		for _, sub := range u.Unwrap() {
			if c := CodeOf(sub); c != "" {
				return c
			}
		}
	}
	return ""
}

// IsCode reports whether err's tree contains an *Error with the given code.
func IsCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	if e, ok := err.(*Error); ok && e.code == code {
		return true
	}
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		return IsCode(u.Unwrap(), code)
	case interface{ Unwrap() []error }:
		for _, sub := range u.Unwrap() {
			if IsCode(sub, code) {
				return true
			}
		}
	}
	return false
}
