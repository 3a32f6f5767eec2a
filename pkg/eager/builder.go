// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package eager

import (
	"github.com/awesome-archive/Dragon/pkg/core/device"
	"github.com/awesome-archive/Dragon/pkg/core/errs"
	"github.com/awesome-archive/Dragon/pkg/core/opdef"
)

// OpBuilder builds the template of an operator invocation and dispatches it. Create it with Context.Op.
//
// Errors found while building (e.g. a missing literal input) are kept and returned by Build or Run.
//
// Example:
//
//	z, err := ctx.Op("Add").Inputs(x, y).NewOutputs(1).RunOne()
type OpBuilder struct {
	ctx     *Context
	def     *opdef.OperatorDef
	inputs  []*Tensor
	outputs []OutputSpec
	numNew  int

	device     *device.Device
	randomSeed []uint32
	options    []DispatchOption
	err        error
}

// Op starts building an invocation of an operator of the given type.
func (ctx *Context) Op(opType string) *OpBuilder {
	return &OpBuilder{ctx: ctx, def: opdef.New(opType)}
}

// Args sets arguments of the operator, replacing previous ones with the same name.
func (b *OpBuilder) Args(args ...opdef.Argument) *OpBuilder {
	for _, arg := range args {
		b.def.SetArg(arg)
	}
	return b
}

// Inputs appends input handles.
func (b *OpBuilder) Inputs(inputs ...*Tensor) *OpBuilder {
	b.inputs = append(b.inputs, inputs...)
	return b
}

// InputIDs appends inputs given by literal workspace ids. They don't require gradients.
func (b *OpBuilder) InputIDs(ids ...string) *OpBuilder {
	for _, id := range ids {
		t, err := b.ctx.Wrap(id)
		if err != nil {
			b.setErr(err)
			continue
		}
		b.inputs = append(b.inputs, t)
	}
	return b
}

// Outputs appends output specs.
func (b *OpBuilder) Outputs(outputs ...OutputSpec) *OpBuilder {
	b.outputs = append(b.outputs, outputs...)
	return b
}

// NewOutputs appends n fresh outputs, placed on the device of the operation (see OnDevice).
func (b *OpBuilder) NewOutputs(n int) *OpBuilder {
	b.numNew += n
	return b
}

// OnDevice places the operation on the device. By default, it's the device of the first input,
// or the context's default device.
func (b *OpBuilder) OnDevice(dev device.Device) *OpBuilder {
	b.device = &dev
	return b
}

// WithRandomSeed sets the random seed of the operation's device option.
func (b *OpBuilder) WithRandomSeed(seed uint32) *OpBuilder {
	b.randomSeed = []uint32{seed}
	return b
}

// NoGrad dispatches without gradient bookkeeping, see WithoutGrad.
func (b *OpBuilder) NoGrad() *OpBuilder {
	b.options = append(b.options, WithoutGrad())
	return b
}

// PreCallback sets the function called with the operator name before it runs, see WithPreCallback.
func (b *OpBuilder) PreCallback(fn func(name string)) *OpBuilder {
	b.options = append(b.options, WithPreCallback(fn))
	return b
}

func (b *OpBuilder) setErr(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Device where the operation is placed.
func (b *OpBuilder) Device() device.Device {
	if b.device != nil {
		return *b.device
	}
	return b.ctx.placement(b.inputs)
}

// Build returns the operator template, with its device option, and the output specs.
//
// It fails with ErrInvalidArgument if there are no outputs, and with ErrLookup if the device
// has no predefined option.
func (b *OpBuilder) Build() (*opdef.OperatorDef, []OutputSpec, error) {
	if b.err != nil {
		return nil, nil, b.err
	}
	dev := b.Device()
	outputs := make([]OutputSpec, 0, len(b.outputs)+b.numNew)
	outputs = append(outputs, b.outputs...)
	for range b.numNew {
		outputs = append(outputs, NewOutput(dev))
	}
	if len(outputs) == 0 {
		return nil, nil, errs.InvalidArgumentf("operator %s requires at least 1 output", b.def.Type)
	}
	option, err := dev.Option(b.randomSeed...)
	if err != nil {
		return nil, nil, err
	}
	return b.def.WithDevice(option), outputs, nil
}

// Run builds and dispatches the operation, see Context.Dispatch.
func (b *OpBuilder) Run() ([]*Tensor, error) {
	template, outputs, err := b.Build()
	if err != nil {
		return nil, err
	}
	return b.ctx.Dispatch(template, b.inputs, outputs, b.options...)
}

// RunOne is like Run for operations with a single output.
func (b *OpBuilder) RunOne() (*Tensor, error) {
	outputs, err := b.Run()
	if len(outputs) == 0 {
		return nil, err
	}
	return outputs[0], err
}
