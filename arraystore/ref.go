package arraystore

import (
	"fmt"

	"github.com/strataforge/strata/oid"
)

// Ref describes an external array from within a metadata document: the
// declared shape, element type, and compression of the payload. The owner
// is implied by the document holding the ref, the logical name by the field
// holding it. A Ref carries no payload and costs no I/O.
type Ref struct {
	Shape       Shape       `json:"shape" jsonschema:"description=Ordered positive dimension extents"`
	DType       DType       `json:"dtype" jsonschema:"description=Element type of the payload"`
	Compression Compression `json:"compression,omitempty" jsonschema:"description=Requested payload compression"`
}

// IsZero reports whether the ref is unset.
func (r Ref) IsZero() bool {
	return len(r.Shape) == 0 && r.DType == ""
}

// Validate checks shape, dtype, and compression.
func (r Ref) Validate() error {
	if err := r.Shape.Validate(); err != nil {
		return err
	}
	if !r.DType.Valid() {
		return fmt.Errorf("invalid dtype %q", string(r.DType))
	}
	if r.Compression != "" && !r.Compression.Valid() {
		return fmt.Errorf("invalid compression %q", string(r.Compression))
	}
	return nil
}

// Handle binds the ref to its owning object and logical name.
func (r Ref) Handle(owner oid.OID, name string) Handle {
	return Handle{Owner: owner, Name: name, Shape: r.Shape.Clone(), DType: r.DType, Compression: r.Compression}
}

// Ref strips a handle down to its document representation.
func (h Handle) Ref() Ref {
	return Ref{Shape: h.Shape.Clone(), DType: h.DType, Compression: h.Compression}
}
