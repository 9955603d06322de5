package arraystore

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/strataforge/strata/fault"
)

// Array is an in-memory numeric array: a dtype, a shape, and the raw
// little-endian element bytes in row-major order. An Array owns its data;
// store operations never hand out aliased buffers.
type Array struct {
	dtype DType
	shape Shape
	data  []byte
}

// NewArray builds an Array from raw little-endian bytes. The byte length
// must equal shape.Elems() * dtype.Size().
func NewArray(dtype DType, shape Shape, data []byte) (*Array, error) {
	if !dtype.Valid() {
		return nil, fault.Newf(fault.ShapeMismatch, "invalid dtype %q", string(dtype))
	}
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	want := shape.Elems() * int64(dtype.Size())
	if int64(len(data)) != want {
		return nil, fault.Newf(fault.ShapeMismatch,
			"payload is %d bytes, shape %s of %s requires %d", len(data), shape, dtype, want)
	}
	return &Array{dtype: dtype, shape: shape.Clone(), data: data}, nil
}

// DType returns the element type.
func (a *Array) DType() DType { return a.dtype }

// Shape returns a copy of the shape.
func (a *Array) Shape() Shape { return a.shape.Clone() }

// Len returns the total element count.
func (a *Array) Len() int64 { return a.shape.Elems() }

// Bytes returns a copy of the raw element bytes.
func (a *Array) Bytes() []byte {
	return bytes.Clone(a.data)
}

// Equal reports byte-for-byte equality of dtype, shape, and payload.
func (a *Array) Equal(other *Array) bool {
	if a == nil || other == nil {
		return a == other
	}
	return a.dtype == other.dtype && a.shape.Equal(other.shape) && bytes.Equal(a.data, other.data)
}

// FromFloat64s builds a Float64 array with the given shape.
func FromFloat64s(shape Shape, vals []float64) (*Array, error) {
	data := make([]byte, len(vals)*8)
	for i, v := range vals {
		binary.LittleEndian.PutUint64(data[i*8:], math.Float64bits(v))
	}
	return NewArray(Float64, shape, data)
}

// FromFloat32s builds a Float32 array with the given shape.
func FromFloat32s(shape Shape, vals []float32) (*Array, error) {
	data := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return NewArray(Float32, shape, data)
}

// FromInt64s builds an Int64 array with the given shape.
func FromInt64s(shape Shape, vals []int64) (*Array, error) {
	data := make([]byte, len(vals)*8)
	for i, v := range vals {
		binary.LittleEndian.PutUint64(data[i*8:], uint64(v))
	}
	return NewArray(Int64, shape, data)
}

// FromInt32s builds an Int32 array with the given shape.
func FromInt32s(shape Shape, vals []int32) (*Array, error) {
	data := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(data[i*4:], uint32(v))
	}
	return NewArray(Int32, shape, data)
}

// FromUint8s builds a Uint8 array with the given shape.
func FromUint8s(shape Shape, vals []byte) (*Array, error) {
	return NewArray(Uint8, shape, bytes.Clone(vals))
}

// FromBools builds a Bool array with the given shape. Elements are stored
// one byte each, 0 or 1.
func FromBools(shape Shape, vals []bool) (*Array, error) {
	data := make([]byte, len(vals))
	for i, v := range vals {
		if v {
			data[i] = 1
		}
	}
	return NewArray(Bool, shape, data)
}

// Float64s decodes the payload as float64 values.
func (a *Array) Float64s() ([]float64, error) {
	if a.dtype != Float64 {
		return nil, fault.Newf(fault.ShapeMismatch, "array is %s, not float64", a.dtype)
	}
	out := make([]float64, a.Len())
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(a.data[i*8:]))
	}
	return out, nil
}

// Float32s decodes the payload as float32 values.
func (a *Array) Float32s() ([]float32, error) {
	if a.dtype != Float32 {
		return nil, fault.Newf(fault.ShapeMismatch, "array is %s, not float32", a.dtype)
	}
	out := make([]float32, a.Len())
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(a.data[i*4:]))
	}
	return out, nil
}

// Int64s decodes the payload as int64 values.
func (a *Array) Int64s() ([]int64, error) {
	if a.dtype != Int64 {
		return nil, fault.Newf(fault.ShapeMismatch, "array is %s, not int64", a.dtype)
	}
	out := make([]int64, a.Len())
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(a.data[i*8:]))
	}
	return out, nil
}

// Int32s decodes the payload as int32 values.
func (a *Array) Int32s() ([]int32, error) {
	if a.dtype != Int32 {
		return nil, fault.Newf(fault.ShapeMismatch, "array is %s, not int32", a.dtype)
	}
	out := make([]int32, a.Len())
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(a.data[i*4:]))
	}
	return out, nil
}

// Uint8s decodes the payload as raw bytes.
func (a *Array) Uint8s() ([]byte, error) {
	if a.dtype != Uint8 {
		return nil, fault.Newf(fault.ShapeMismatch, "array is %s, not uint8", a.dtype)
	}
	return bytes.Clone(a.data), nil
}

// Bools decodes the payload as booleans. Any non-zero byte is true.
func (a *Array) Bools() ([]bool, error) {
	if a.dtype != Bool {
		return nil, fault.Newf(fault.ShapeMismatch, "array is %s, not bool", a.dtype)
	}
	out := make([]bool, a.Len())
	for i, b := range a.data {
		out[i] = b != 0
	}
	return out, nil
}
