// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"github.com/gomlx/exceptions"

	"github.com/awesome-archive/Dragon/pkg/core/shapes"
	"github.com/awesome-archive/Dragon/pkg/core/tensors"
)

// This file implements the gradient kernels.
//
// Gradients are computed in float64 and converted back to the dtype of the operand they are for.
// An empty output id means that gradient is not needed, and it is not computed.

func init() {
	kernels["AddGradient"] = func(kc *kernelContext) { execBinaryGradient(kc, binaryAdd) }
	kernels["SubGradient"] = func(kc *kernelContext) { execBinaryGradient(kc, binarySub) }
	kernels["MulGradient"] = func(kc *kernelContext) { execBinaryGradient(kc, binaryMul) }
	kernels["DivGradient"] = func(kc *kernelContext) { execBinaryGradient(kc, binaryDiv) }
	kernels["ReluGradient"] = execReluGradient
	kernels["ExpGradient"] = execExpGradient
	kernels["ReduceSumGradient"] = execReduceSumGradient
}

// execBinaryGradient takes inputs [a, b, dy] and outputs [da, db]. Gradients of broadcast operands are summed.
func execBinaryGradient(kc *kernelContext, op binaryOp) {
	kc.checkArity(3, 2)
	a, b, dy := kc.input(0), kc.input(1), kc.input(2)
	outputShape := broadcastShape(kc.def.Type, a.Shape(), b.Shape())
	if dy.Size() != outputShape.Size() {
		exceptions.Panicf("%s: gradient shape %s doesn't match the forward output shape %s",
			kc.def.Type, dy.Shape(), outputShape)
	}
	aValues, bValues, dyValues := toFloat64s(a.Flat()), toFloat64s(b.Flat()), toFloat64s(dy.Flat())
	aStride, bStride := strideFor(len(aValues)), strideFor(len(bValues))
	da, db := make([]float64, len(dyValues)), make([]float64, len(dyValues))
	for ii, g := range dyValues {
		x, y := aValues[ii*aStride], bValues[ii*bStride]
		switch op {
		case binaryAdd:
			da[ii], db[ii] = g, g
		case binarySub:
			da[ii], db[ii] = g, -g
		case binaryMul:
			da[ii], db[ii] = g*y, g*x
		case binaryDiv:
			da[ii], db[ii] = g/y, -g*x/(y*y)
		}
	}
	writeGradient(kc.output(0), a.Shape(), da)
	writeGradient(kc.output(1), b.Shape(), db)
}

// writeGradient stores the gradient values with the operand's shape, summing them if the operand was broadcast.
func writeGradient(output *tensors.Tensor, shape shapes.Shape, values []float64) {
	if output == nil {
		return
	}
	if shape.Size() != len(values) {
		var sum float64
		for _, v := range values {
			sum += v
		}
		values = []float64{sum}
	}
	output.Reset(shape)
	fromFloat64s(values, output.Flat())
}

// execReluGradient takes inputs [y, dy], where y is the forward output, and outputs [dx].
func execReluGradient(kc *kernelContext) {
	kc.checkArity(2, 1)
	y, dy := kc.input(0), kc.input(1)
	yValues, dx := toFloat64s(y.Flat()), toFloat64s(dy.Flat())
	for ii := range dx {
		if yValues[ii] <= 0 {
			dx[ii] = 0
		}
	}
	writeGradient(kc.output(0), dy.Shape(), dx)
}

// execExpGradient takes inputs [y, dy], where y is the forward output, and outputs [dx = dy * y].
func execExpGradient(kc *kernelContext) {
	kc.checkArity(2, 1)
	y, dy := kc.input(0), kc.input(1)
	yValues, dx := toFloat64s(y.Flat()), toFloat64s(dy.Flat())
	for ii := range dx {
		dx[ii] *= yValues[ii]
	}
	writeGradient(kc.output(0), dy.Shape(), dx)
}

// execReduceSumGradient takes inputs [x, dy], where dy is a scalar, and outputs [dx], dy broadcast to x's shape.
func execReduceSumGradient(kc *kernelContext) {
	kc.checkArity(2, 1)
	x, dy := kc.input(0), kc.input(1)
	if dy.Size() != 1 {
		exceptions.Panicf("%s: gradient must be a scalar, got shape %s", kc.def.Type, dy.Shape())
	}
	g := toFloat64s(dy.Flat())[0]
	dx := make([]float64, x.Size())
	for ii := range dx {
		dx[ii] = g
	}
	writeGradient(kc.output(0), x.Shape(), dx)
}
