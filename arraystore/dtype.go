// Package arraystore manages the external binary array payloads of a strata
// package: allocation, shape/dtype enforcement, compressed chunked encoding,
// and lazy cached reads.
//
// Obtaining a [Handle] never touches payload bytes; only [Store.Read],
// [Store.ReadRange], or an explicit prefetch materializes data. Reads of the
// same handle are cached until the next [Store.Write] invalidates the cache.
//
// Writes to the same handle must not race: the store serializes them with a
// per-entry lock, but interleaving concurrent writes of different data to
// one handle yields whichever write commits last.
package arraystore

import (
	"fmt"
	"slices"

	"github.com/strataforge/strata/fault"
)

// DType identifies the element type of an array. Payload bytes are always
// little-endian, fixed width per element.
type DType string

const (
	Float64 DType = "float64"
	Float32 DType = "float32"
	Int64   DType = "int64"
	Int32   DType = "int32"
	Uint8   DType = "uint8"
	Bool    DType = "bool"
)

// Size returns the per-element byte width.
func (d DType) Size() int {
	switch d {
	case Float64, Int64:
		return 8
	case Float32, Int32:
		return 4
	case Uint8, Bool:
		return 1
	default:
		return 0
	}
}

// Valid reports whether d is one of the supported element types.
func (d DType) Valid() bool {
	return d.Size() != 0
}

// ParseDType parses the string form of a DType.
func ParseDType(s string) (DType, error) {
	d := DType(s)
	if !d.Valid() {
		return "", fmt.Errorf("unknown dtype %q", s)
	}
	return d, nil
}

// Shape is an ordered list of positive dimension extents.
type Shape []int

// Validate checks that every extent is positive and the shape is non-empty.
func (s Shape) Validate() error {
	if len(s) == 0 {
		return fault.New(fault.ShapeMismatch, "empty shape")
	}
	for i, n := range s {
		if n <= 0 {
			return fault.Newf(fault.ShapeMismatch, "dimension %d has non-positive extent %d", i, n)
		}
	}
	return nil
}

// Elems returns the total element count.
func (s Shape) Elems() int64 {
	if len(s) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range s {
		n *= int64(d)
	}
	return n
}

// Equal reports whether both shapes have identical rank and extents.
func (s Shape) Equal(other Shape) bool {
	return slices.Equal(s, other)
}

// Clone returns an independent copy.
func (s Shape) Clone() Shape {
	return slices.Clone(s)
}

// String renders the shape as "[k j i]"-style extents.
func (s Shape) String() string {
	return fmt.Sprintf("%v", []int(s))
}
