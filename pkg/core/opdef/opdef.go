// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package opdef defines the operator definition: the description of one operator invocation
// (type, ordered input and output tensor ids, typed arguments and device placement) that is
// handed to a backend for execution and recorded in tapes for gradient replay.
//
// A definition created with New is a template: it has no inputs or outputs. DeriveTo binds
// concrete ids and returns a new definition, so templates can be reused and recorded
// definitions are stable snapshots.
//
// Definitions serialize to the legacy protobuf schema (see Marshal, MarshalText and
// MarshalJSON), and the package keeps the table of predefined device options (see
// GetDeviceOption).
package opdef

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
)

// OperatorDef describes one operator invocation.
//
// After a definition is dispatched its fields must not be changed: derive a new one instead.
type OperatorDef struct {
	// Type of the operator, e.g. "Add". It selects the kernel in the backend.
	Type string

	// Name is the stable instance name of the operator, e.g. "Add_3". It is empty until
	// the definition is named for recording.
	Name string

	// Inputs and Outputs are the ordered tensor ids.
	Inputs, Outputs []string

	// Args are the typed arguments, in insertion order. Names are unique.
	Args []Argument

	// DeviceOption where to run the operator. If nil the backend uses its default device.
	DeviceOption *DeviceOption
}

// New returns a template definition for the operator type with the given arguments.
// Later arguments replace earlier ones with the same name.
func New(opType string, args ...Argument) *OperatorDef {
	def := &OperatorDef{Type: opType}
	for _, arg := range args {
		def.SetArg(arg)
	}
	return def
}

// SetArg adds the argument, or replaces the one with the same name. It returns the definition itself,
// so calls can be chained.
//
// Only use it on templates, or on definitions not yet dispatched.
func (def *OperatorDef) SetArg(arg Argument) *OperatorDef {
	if arg.kind == ArgInvalid {
		exceptions.Panicf("OperatorDef(%s).SetArg(%q): invalid (zero) argument", def.Type, arg.name)
	}
	idx := slices.IndexFunc(def.Args, func(a Argument) bool { return a.name == arg.name })
	if idx >= 0 {
		def.Args = slices.Clone(def.Args)
		def.Args[idx] = arg
		return def
	}
	def.Args = append(def.Args, arg)
	return def
}

// Arg returns the argument with the given name.
func (def *OperatorDef) Arg(name string) (arg Argument, found bool) {
	idx := slices.IndexFunc(def.Args, func(a Argument) bool { return a.name == name })
	if idx < 0 {
		return Argument{}, false
	}
	return def.Args[idx], true
}

// HasArg returns whether an argument with the given name is set.
func (def *OperatorDef) HasArg(name string) bool {
	_, found := def.Arg(name)
	return found
}

// IntArg returns the value of the ArgInt64 argument, or defaultValue if it is not set.
func (def *OperatorDef) IntArg(name string, defaultValue int64) (int64, error) {
	arg, found := def.Arg(name)
	if !found {
		return defaultValue, nil
	}
	return arg.AsInt()
}

// FloatArg returns the value of the ArgFloat64 (or ArgInt64) argument, or defaultValue if it is not set.
func (def *OperatorDef) FloatArg(name string, defaultValue float64) (float64, error) {
	arg, found := def.Arg(name)
	if !found {
		return defaultValue, nil
	}
	return arg.AsFloat()
}

// StringArg returns the value of the ArgBytes argument as a string, or defaultValue if it is not set.
func (def *OperatorDef) StringArg(name, defaultValue string) (string, error) {
	arg, found := def.Arg(name)
	if !found {
		return defaultValue, nil
	}
	return arg.AsString()
}

// IntsArg returns the values of the ArgInt64List argument, or nil if it is not set.
func (def *OperatorDef) IntsArg(name string) ([]int64, error) {
	arg, found := def.Arg(name)
	if !found {
		return nil, nil
	}
	return arg.AsInts()
}

// StringsArg returns the values of the ArgBytesList argument as strings, or nil if it is not set.
func (def *OperatorDef) StringsArg(name string) ([]string, error) {
	arg, found := def.Arg(name)
	if !found {
		return nil, nil
	}
	return arg.AsStrings()
}

// Clone returns a copy of the definition that shares no slices with the receiver.
// Arguments are immutable values, and the DeviceOption is shared.
func (def *OperatorDef) Clone() *OperatorDef {
	return &OperatorDef{
		Type:         def.Type,
		Name:         def.Name,
		Inputs:       slices.Clone(def.Inputs),
		Outputs:      slices.Clone(def.Outputs),
		Args:         slices.Clone(def.Args),
		DeviceOption: def.DeviceOption,
	}
}

// DeriveTo returns a new definition with the contents of def bound to the given input and output ids.
// The receiver is not changed.
func (def *OperatorDef) DeriveTo(inputs, outputs []string) *OperatorDef {
	derived := def.Clone()
	derived.Inputs = slices.Clone(inputs)
	derived.Outputs = slices.Clone(outputs)
	return derived
}

// WithDevice returns a copy of the definition placed on the given device option.
func (def *OperatorDef) WithDevice(option *DeviceOption) *OperatorDef {
	c := def.Clone()
	c.DeviceOption = option
	return c
}

// String implements fmt.Stringer, e.g. `Add_0 = Add(x, y) -> [z] {alpha: 1} @cpu:0`.
func (def *OperatorDef) String() string {
	var sb strings.Builder
	if def.Name != "" {
		_, _ = fmt.Fprintf(&sb, "%s = ", def.Name)
	}
	_, _ = fmt.Fprintf(&sb, "%s(%s) -> [%s]", def.Type, strings.Join(def.Inputs, ", "),
		strings.Join(def.Outputs, ", "))
	if len(def.Args) > 0 {
		parts := make([]string, len(def.Args))
		for ii, arg := range def.Args {
			parts[ii] = arg.String()
		}
		_, _ = fmt.Fprintf(&sb, " {%s}", strings.Join(parts, ", "))
	}
	if def.DeviceOption != nil {
		_, _ = fmt.Fprintf(&sb, " @%s", def.DeviceOption)
	}
	return sb.String()
}
