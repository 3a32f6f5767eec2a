// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package eager

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"

	"github.com/awesome-archive/Dragon/pkg/core/errs"
	"github.com/awesome-archive/Dragon/pkg/core/opdef"
	"github.com/awesome-archive/Dragon/pkg/core/workspace"
)

// This file holds the eager operations used by the layers: each builds an operator invocation and
// dispatches it right away.

func unary(opType string, x *Tensor, args ...opdef.Argument) (*Tensor, error) {
	if x == nil {
		return nil, errs.InvalidArgumentf("%s: nil input", opType)
	}
	return x.ctx.Op(opType).Args(args...).Inputs(x).NewOutputs(1).RunOne()
}

func binary(opType string, x, y *Tensor) (*Tensor, error) {
	if x == nil || y == nil {
		return nil, errs.InvalidArgumentf("%s: nil input", opType)
	}
	if x.ctx != y.ctx {
		return nil, errs.InvalidArgumentf("%s: inputs %s and %s belong to different contexts", opType, x.ID(), y.ID())
	}
	return x.ctx.Op(opType).Inputs(x, y).NewOutputs(1).RunOne()
}

// Add returns x + y. Operands of size 1 are broadcast.
func Add(x, y *Tensor) (*Tensor, error) { return binary("Add", x, y) }

// Sub returns x - y. Operands of size 1 are broadcast.
func Sub(x, y *Tensor) (*Tensor, error) { return binary("Sub", x, y) }

// Mul returns x * y, element-wise. Operands of size 1 are broadcast.
func Mul(x, y *Tensor) (*Tensor, error) { return binary("Mul", x, y) }

// Div returns x / y, element-wise. Operands of size 1 are broadcast.
func Div(x, y *Tensor) (*Tensor, error) { return binary("Div", x, y) }

// Neg returns -x.
func Neg(x *Tensor) (*Tensor, error) { return unary("Neg", x) }

// Exp returns e^x.
func Exp(x *Tensor) (*Tensor, error) { return unary("Exp", x) }

// Relu returns max(x, 0).
func Relu(x *Tensor) (*Tensor, error) { return unary("Relu", x) }

// ReduceSum returns the scalar sum of all elements of x.
func ReduceSum(x *Tensor) (*Tensor, error) { return unary("ReduceSum", x) }

// Copy returns a new tensor with the value of x.
func Copy(x *Tensor) (*Tensor, error) { return unary("Copy", x) }

// Cast returns x converted to dtype.
func Cast(x *Tensor, dtype dtypes.DType) (*Tensor, error) {
	return unary("Cast", x, opdef.String("dtype", dtype.String()))
}

// Fill returns a tensor with the given dtype and dimensions, with all elements set to value.
func Fill(ctx *Context, dtype dtypes.DType, value float64, dimensions ...int) (*Tensor, error) {
	return ctx.Op("Fill").
		Args(opdef.Ints("dims", dimensions...), opdef.Float("value", value), opdef.String("dtype", dtype.String())).
		NewOutputs(1).RunOne()
}

// Crop returns the box of x starting at starts with the given sizes, one per leading axis.
// Sizes <= 0 extend to the end of the axis.
//
// The box is given to the operator as deferred arguments: they are written to the workspace, anchored
// on the operator name, right before it runs. So the definition is the same for any box.
func Crop(x *Tensor, starts, sizes []int64) (*Tensor, error) {
	if x == nil {
		return nil, errs.InvalidArgumentf("Crop: nil input")
	}
	startsDesc, sizesDesc := anchoredDescs("starts", len(starts)), anchoredDescs("sizes", len(sizes))
	ws := x.ctx.ws
	feed := func(name string) {
		for ii, desc := range startsDesc {
			ws.SetArgumentInt64(workspace.ResolveAnchor(name, desc), starts[ii])
		}
		for ii, desc := range sizesDesc {
			ws.SetArgumentInt64(workspace.ResolveAnchor(name, desc), sizes[ii])
		}
	}
	return x.ctx.Op("Crop").
		Args(opdef.Strings("starts_desc", startsDesc...), opdef.Strings("sizes_desc", sizesDesc...)).
		Inputs(x).NewOutputs(1).PreCallback(feed).RunOne()
}

func anchoredDescs(name string, n int) []string {
	descs := make([]string, n)
	for ii := range descs {
		descs[ii] = fmt.Sprintf("%s/%s[%d]", workspace.AnchorPlaceholder, name, ii)
	}
	return descs
}

// AxpyInPlace computes y = alpha*x + y, overwriting y. The handle y keeps its identity, and the
// operation is never recorded, even if y requires gradients.
func AxpyInPlace(alpha float64, x, y *Tensor) error {
	if x == nil || y == nil {
		return errs.InvalidArgumentf("Axpy: nil input")
	}
	_, err := y.ctx.Op("Axpy").Args(opdef.Float("alpha", alpha)).
		Inputs(x, y).Outputs(OutputTensor(y)).NoGrad().Run()
	return err
}
