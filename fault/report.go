package fault

import (
	"fmt"
	"strings"
)

// Report collects per-part errors so a caller can see every salvageable and
// broken part of a load or cascade in one pass instead of stopping at the
// first failure.
//
// A Report with no entries is not an error; callers should check [Report.OK]
// before treating it as one.
type Report struct {
	errs []*Error
}

// Add appends an error to the report. Nil errors are ignored.
func (r *Report) Add(e *Error) {
	if e != nil {
		r.errs = append(r.errs, e)
	}
}

// Merge appends all entries of other into r.
func (r *Report) Merge(other *Report) {
	if other != nil {
		r.errs = append(r.errs, other.errs...)
	}
}

// OK reports whether the report is empty.
func (r *Report) OK() bool {
	return r == nil || len(r.errs) == 0
}

// Len returns the number of collected errors.
func (r *Report) Len() int {
	if r == nil {
		return 0
	}
	return len(r.errs)
}

// Errors returns the collected errors in insertion order.
func (r *Report) Errors() []*Error {
	if r == nil {
		return nil
	}
	return r.errs
}

// ByPart returns the errors recorded against the named part.
func (r *Report) ByPart(name string) []*Error {
	if r == nil {
		return nil
	}
	var out []*Error
	for _, e := range r.errs {
		if e.part == name {
			out = append(out, e)
		}
	}
	return out
}

// ByCode returns the errors with the given code.
func (r *Report) ByCode(code Code) []*Error {
	if r == nil {
		return nil
	}
	var out []*Error
	for _, e := range r.errs {
		if e.code == code {
			out = append(out, e)
		}
	}
	return out
}

// AsError returns the report as an error, or nil if it is empty.
func (r *Report) AsError() error {
	if r.OK() {
		return nil
	}
	return r
}

// Error implements the error interface.
func (r *Report) Error() string {
	switch len(r.errs) {
	case 0:
		return "no errors"
	case 1:
		return r.errs[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d errors:", len(r.errs))
	for _, e := range r.errs {
		b.WriteString("\n\t")
		b.WriteString(e.Error())
	}
	return b.String()
}

// Unwrap exposes the collected errors to errors.Is / errors.As.
func (r *Report) Unwrap() []error {
	out := make([]error, len(r.errs))
	for i, e := range r.errs {
		out[i] = e
	}
	return out
}
