// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package opdef

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/exp/constraints"

	"github.com/awesome-archive/Dragon/pkg/core/errs"
)

// ArgKind enumerates the variants an Argument can hold.
type ArgKind int

const (
	ArgInvalid ArgKind = iota
	ArgInt64
	ArgFloat64
	ArgBytes
	ArgMessage
	ArgInt64List
	ArgFloat64List
	ArgBytesList
	ArgMessageList
)

var argKindNames = [...]string{"Invalid", "Int64", "Float64", "Bytes", "Message",
	"Int64List", "Float64List", "BytesList", "MessageList"}

// String implements fmt.Stringer.
func (k ArgKind) String() string {
	if k < 0 || int(k) >= len(argKindNames) {
		return fmt.Sprintf("ArgKind(%d)", int(k))
	}
	return argKindNames[k]
}

// Message is a nested sub-message that can be stored in an Argument (ArgMessage and ArgMessageList).
// It is serialized into the bytes fields of the wire argument.
//
// Both *OperatorDef and *DeviceOption implement it.
type Message interface {
	Marshal() ([]byte, error)
}

// Argument is a named, typed argument of an operator: a tagged union where exactly one variant is set.
//
// The variant is fixed by the constructor used (Int, Float, String, Ints, ...), so there are
// no "unknown type" failures at serialization time. Arguments are immutable values.
type Argument struct {
	name string
	kind ArgKind

	i      int64
	f      float64
	s      []byte
	msg    Message
	ints   []int64
	floats []float64
	strs   [][]byte
	msgs   []Message
}

// Int returns an ArgInt64 argument.
func Int[T constraints.Integer](name string, value T) Argument {
	return Argument{name: name, kind: ArgInt64, i: int64(value)}
}

// Bool returns an ArgInt64 argument holding 1 for true or 0 for false.
func Bool(name string, value bool) Argument {
	if value {
		return Int(name, 1)
	}
	return Int(name, 0)
}

// Float returns an ArgFloat64 argument.
func Float[T constraints.Float](name string, value T) Argument {
	return Argument{name: name, kind: ArgFloat64, f: float64(value)}
}

// String returns an ArgBytes argument holding the string.
func String(name, value string) Argument {
	return Argument{name: name, kind: ArgBytes, s: []byte(value)}
}

// Bytes returns an ArgBytes argument. The bytes are copied.
func Bytes(name string, value []byte) Argument {
	return Argument{name: name, kind: ArgBytes, s: slices.Clone(value)}
}

// Msg returns an ArgMessage argument.
func Msg(name string, value Message) Argument {
	return Argument{name: name, kind: ArgMessage, msg: value}
}

// Ints returns an ArgInt64List argument.
func Ints[T constraints.Integer](name string, values ...T) Argument {
	ints := make([]int64, len(values))
	for ii, v := range values {
		ints[ii] = int64(v)
	}
	return Argument{name: name, kind: ArgInt64List, ints: ints}
}

// Floats returns an ArgFloat64List argument.
func Floats[T constraints.Float](name string, values ...T) Argument {
	floats := make([]float64, len(values))
	for ii, v := range values {
		floats[ii] = float64(v)
	}
	return Argument{name: name, kind: ArgFloat64List, floats: floats}
}

// Strings returns an ArgBytesList argument holding the strings.
func Strings(name string, values ...string) Argument {
	strs := make([][]byte, len(values))
	for ii, v := range values {
		strs[ii] = []byte(v)
	}
	return Argument{name: name, kind: ArgBytesList, strs: strs}
}

// BytesList returns an ArgBytesList argument. The bytes are copied.
func BytesList(name string, values ...[]byte) Argument {
	strs := make([][]byte, len(values))
	for ii, v := range values {
		strs[ii] = slices.Clone(v)
	}
	return Argument{name: name, kind: ArgBytesList, strs: strs}
}

// Msgs returns an ArgMessageList argument.
func Msgs(name string, values ...Message) Argument {
	return Argument{name: name, kind: ArgMessageList, msgs: slices.Clone(values)}
}

// Name of the argument.
func (a Argument) Name() string { return a.name }

// Kind returns which variant the argument holds.
func (a Argument) Kind() ArgKind { return a.kind }

func (a Argument) mismatch(want ArgKind) error {
	return errs.InvalidArgumentf("argument %q holds a %s, not a %s", a.name, a.kind, want)
}

// AsInt returns the value of an ArgInt64 argument.
func (a Argument) AsInt() (int64, error) {
	if a.kind != ArgInt64 {
		return 0, a.mismatch(ArgInt64)
	}
	return a.i, nil
}

// AsFloat returns the value of an ArgFloat64 argument.
// ArgInt64 arguments are converted, since callers often pass integral constants.
func (a Argument) AsFloat() (float64, error) {
	switch a.kind {
	case ArgFloat64:
		return a.f, nil
	case ArgInt64:
		return float64(a.i), nil
	default:
		return 0, a.mismatch(ArgFloat64)
	}
}

// AsBytes returns the value of an ArgBytes argument.
func (a Argument) AsBytes() ([]byte, error) {
	if a.kind != ArgBytes {
		return nil, a.mismatch(ArgBytes)
	}
	return a.s, nil
}

// AsString returns the value of an ArgBytes argument as a string.
func (a Argument) AsString() (string, error) {
	b, err := a.AsBytes()
	return string(b), err
}

// AsMessage returns the value of an ArgMessage argument.
func (a Argument) AsMessage() (Message, error) {
	if a.kind != ArgMessage {
		return nil, a.mismatch(ArgMessage)
	}
	return a.msg, nil
}

// AsInts returns the values of an ArgInt64List argument.
func (a Argument) AsInts() ([]int64, error) {
	if a.kind != ArgInt64List {
		return nil, a.mismatch(ArgInt64List)
	}
	return a.ints, nil
}

// AsFloats returns the values of an ArgFloat64List argument.
func (a Argument) AsFloats() ([]float64, error) {
	if a.kind != ArgFloat64List {
		return nil, a.mismatch(ArgFloat64List)
	}
	return a.floats, nil
}

// AsStrings returns the values of an ArgBytesList argument as strings.
func (a Argument) AsStrings() ([]string, error) {
	if a.kind != ArgBytesList {
		return nil, a.mismatch(ArgBytesList)
	}
	strs := make([]string, len(a.strs))
	for ii, s := range a.strs {
		strs[ii] = string(s)
	}
	return strs, nil
}

// AsMessages returns the values of an ArgMessageList argument.
func (a Argument) AsMessages() ([]Message, error) {
	if a.kind != ArgMessageList {
		return nil, a.mismatch(ArgMessageList)
	}
	return a.msgs, nil
}

// String implements fmt.Stringer.
func (a Argument) String() string {
	var value string
	switch a.kind {
	case ArgInt64:
		value = fmt.Sprint(a.i)
	case ArgFloat64:
		value = fmt.Sprint(a.f)
	case ArgBytes:
		value = fmt.Sprintf("%q", a.s)
	case ArgMessage:
		value = fmt.Sprintf("<%T>", a.msg)
	case ArgInt64List:
		value = fmt.Sprint(a.ints)
	case ArgFloat64List:
		value = fmt.Sprint(a.floats)
	case ArgBytesList:
		parts := make([]string, len(a.strs))
		for ii, s := range a.strs {
			parts[ii] = fmt.Sprintf("%q", s)
		}
		value = "[" + strings.Join(parts, " ") + "]"
	case ArgMessageList:
		value = fmt.Sprintf("<%d messages>", len(a.msgs))
	default:
		value = "<invalid>"
	}
	return a.name + ": " + value
}
