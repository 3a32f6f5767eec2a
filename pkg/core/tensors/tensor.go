// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement `Tensor`, the physical storage slot of a workspace.
//
// A Tensor is named (its name is the tensor id handed out by the workspace collectors), and
// it holds a shape plus the flat Go slice with the values, of the Go type matching the
// shape's dtype. Even scalar values have a flattened representation of one element.
//
// Storage is created empty (not materialized, with an invalid shape) and is materialized by
// the first operator that writes to it -- eager outputs are allocated before the backend
// knows their shape. Operators that overwrite an existing tensor reuse the flat buffer when
// the dtype and size are unchanged, which is what in-place operators rely on.
//
// Tensors are not safe for concurrent use: a workspace is used from a single thread.
package tensors

import (
	"fmt"
	"reflect"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/awesome-archive/Dragon/pkg/core/shapes"
)

// Tensor is the storage slot of one tensor id in a workspace.
type Tensor struct {
	name string

	// shape of the materialized value, invalid if not materialized yet.
	shape shapes.Shape

	// flat holds the array with actual data: a slice of the Go type for shape.DType.
	flat any
}

// New returns an empty (not materialized) storage slot with the given name.
func New(name string) *Tensor {
	return &Tensor{name: name, shape: shapes.Invalid()}
}

// FromShape returns a materialized Tensor with the given shape, with the data initialized with zeros.
//
// It panics if you provide an invalid shape.
func FromShape(name string, shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		panic(errors.Errorf("tensors.FromShape(%q): invalid shape", name))
	}
	t := New(name)
	t.Reset(shape)
	return t
}

// FromFlatData returns a materialized Tensor with the given dimensions, and its flat values set to
// a copy of data. It returns an error if the number of elements doesn't match the dimensions.
func FromFlatData[T dtypes.Supported](name string, data []T, dimensions ...int) (*Tensor, error) {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if shape.Size() != len(data) {
		return nil, errors.Errorf("tensors.FromFlatData(%q): %d values given for shape %s (%d elements)",
			name, len(data), shape, shape.Size())
	}
	t := FromShape(name, shape)
	copy(t.flat.([]T), data)
	return t, nil
}

// FromScalar returns a materialized scalar Tensor with the given value.
func FromScalar[T dtypes.Supported](name string, value T) *Tensor {
	t := FromShape(name, shapes.Scalar[T]())
	t.flat.([]T)[0] = value
	return t
}

// Name of the tensor: its id in the workspace.
func (t *Tensor) Name() string { return t.name }

// Shape of the materialized value, or an invalid shape if it is not materialized yet.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType {
	if t == nil {
		return dtypes.InvalidDType
	}
	return t.shape.DType
}

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor, 0 if not materialized.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// IsMaterialized returns whether some operator (or feed) has already written a value to the tensor.
func (t *Tensor) IsMaterialized() bool { return t != nil && t.flat != nil && t.shape.Ok() }

// Reset makes the storage hold the given shape.
//
// The flat buffer is reused, and keeps its values, if dtype and size are unchanged (a reshape);
// otherwise a new zero-initialized buffer is allocated.
func (t *Tensor) Reset(shape shapes.Shape) {
	if !shape.Ok() {
		panic(errors.Errorf("Tensor(%q).Reset(): invalid shape", t.name))
	}
	if t.IsMaterialized() && t.shape.DType == shape.DType && t.shape.Size() == shape.Size() {
		t.shape = shape.Clone()
		return
	}
	size := shape.Size()
	t.flat = reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), size, size).Interface()
	t.shape = shape.Clone()
}

// Flat returns the flat slice holding the values, or nil if not materialized.
//
// The slice is owned by the Tensor: it may be mutated by a kernel writing to this tensor, but not resized.
func (t *Tensor) Flat() any { return t.flat }

// CopyFrom makes t a deep copy of src (shape and values). It's a no-op if src is t.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if src == t {
		return nil
	}
	if !src.IsMaterialized() {
		return errors.Errorf("Tensor(%q).CopyFrom(%q): source is not materialized", t.name, src.name)
	}
	t.Reset(src.shape)
	reflect.Copy(reflect.ValueOf(t.flat), reflect.ValueOf(src.flat))
	return nil
}

// Finalize frees the storage. The tensor becomes not materialized, and can be reused by Reset.
func (t *Tensor) Finalize() {
	t.flat = nil
	t.shape = shapes.Invalid()
}

// String implements fmt.Stringer. It prints the values only for small tensors.
func (t *Tensor) String() string {
	if !t.IsMaterialized() {
		return fmt.Sprintf("%s: <not materialized>", t.name)
	}
	const maxPrinted = 16
	if t.Size() <= maxPrinted {
		return fmt.Sprintf("%s: %s %v", t.name, t.shape, t.flat)
	}
	return fmt.Sprintf("%s: %s", t.name, t.shape)
}

// Flat returns the flat values of t as a []T. It returns an error if t is not materialized or if T
// doesn't match the tensor's dtype.
func Flat[T dtypes.Supported](t *Tensor) ([]T, error) {
	if !t.IsMaterialized() {
		return nil, errors.Errorf("tensor %q is not materialized", t.Name())
	}
	flat, ok := t.flat.([]T)
	if !ok {
		var zero T
		return nil, errors.Errorf("tensor %q has dtype %s, it cannot be accessed as []%T", t.Name(), t.DType(), zero)
	}
	return flat, nil
}

// ToScalar returns the single value of t converted to T. It works for any numeric dtype, and it
// returns an error if t doesn't hold exactly one element.
func ToScalar[T int64 | float64](t *Tensor) (T, error) {
	if !t.IsMaterialized() {
		return 0, errors.Errorf("tensor %q is not materialized", t.Name())
	}
	if t.Size() != 1 {
		return 0, errors.Errorf("tensor %q has shape %s, a single element was expected", t.Name(), t.Shape())
	}
	v := reflect.ValueOf(t.flat).Index(0)
	var zero T
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return T(v.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return T(v.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return T(v.Float()), nil
	case reflect.Bool:
		if v.Bool() {
			return 1, nil
		}
		return 0, nil
	default:
		return zero, errors.Errorf("tensor %q has dtype %s, not convertible to %T", t.Name(), t.DType(), zero)
	}
}
