// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"github.com/gomlx/exceptions"

	"github.com/awesome-archive/Dragon/pkg/core/shapes"
	"github.com/awesome-archive/Dragon/pkg/core/tensors"
)

// This file implements binary operations.
// Operands must have the same dtype, and either the same shape or one of them must have size 1,
// in which case it is broadcast.

func init() {
	kernels["Add"] = func(kc *kernelContext) { execBinary(kc, binaryAdd) }
	kernels["Sub"] = func(kc *kernelContext) { execBinary(kc, binarySub) }
	kernels["Mul"] = func(kc *kernelContext) { execBinary(kc, binaryMul) }
	kernels["Div"] = func(kc *kernelContext) { execBinary(kc, binaryDiv) }
	kernels["Axpy"] = execAxpy
}

type binaryOp int

const (
	binaryAdd binaryOp = iota
	binarySub
	binaryMul
	binaryDiv
)

// broadcastShape returns the shape of the result of a binary operation on lhs and rhs.
func broadcastShape(opType string, lhs, rhs shapes.Shape) shapes.Shape {
	if lhs.DType != rhs.DType {
		exceptions.Panicf("%s: operands have different dtypes %s and %s", opType, lhs.DType, rhs.DType)
	}
	switch {
	case lhs.Equal(rhs):
		return lhs
	case lhs.Size() == 1:
		return rhs
	case rhs.Size() == 1:
		return lhs
	}
	exceptions.Panicf("%s: incompatible shapes %s and %s", opType, lhs, rhs)
	return shapes.Invalid()
}

func execBinary(kc *kernelContext, op binaryOp) {
	kc.checkArity(2, 1)
	lhs, rhs := kc.input(0), kc.input(1)
	outputShape := broadcastShape(kc.def.Type, lhs.Shape(), rhs.Shape())

	// Take the flat slices before resetting the output, which may alias one of the inputs.
	lhsFlat, rhsFlat := lhs.Flat(), rhs.Flat()
	output := kc.output(0)
	output.Reset(outputShape)
	switch outputFlat := output.Flat().(type) {
	case []float32:
		execBinaryGeneric(op, lhsFlat.([]float32), rhsFlat.([]float32), outputFlat)
	case []float64:
		execBinaryGeneric(op, lhsFlat.([]float64), rhsFlat.([]float64), outputFlat)
	case []int32:
		execBinaryGeneric(op, lhsFlat.([]int32), rhsFlat.([]int32), outputFlat)
	case []int64:
		execBinaryGeneric(op, lhsFlat.([]int64), rhsFlat.([]int64), outputFlat)
	default:
		exceptions.Panicf("unsupported data type %s for %s", outputShape.DType, kc.def.Type)
	}
}

// execBinaryGeneric computes output[i] = lhs[i] op rhs[i], where an operand of size 1 is broadcast.
// Integer division by zero panics.
func execBinaryGeneric[T numeric](op binaryOp, lhs, rhs, output []T) {
	lhsStride, rhsStride := strideFor(len(lhs)), strideFor(len(rhs))
	for ii := range output {
		a, b := lhs[ii*lhsStride], rhs[ii*rhsStride]
		switch op {
		case binaryAdd:
			output[ii] = a + b
		case binarySub:
			output[ii] = a - b
		case binaryMul:
			output[ii] = a * b
		case binaryDiv:
			output[ii] = a / b
		}
	}
}

// strideFor returns 0 for broadcast (size 1) operands, 1 otherwise.
func strideFor(size int) int {
	if size == 1 {
		return 0
	}
	return 1
}

// execAxpy computes y = alpha*x + y, where y is both the second input and the output (in-place).
// An input of size 1 is broadcast.
func execAxpy(kc *kernelContext) {
	kc.checkArity(2, 1)
	x, y := kc.input(0), kc.input(1)
	output := kc.output(0)
	alpha := kc.floatArg("alpha", 1)
	outputShape := broadcastShape(kc.def.Type, x.Shape(), y.Shape())
	if output != y {
		if err := output.CopyFrom(y); err != nil {
			panic(err)
		}
		output.Reset(outputShape)
		if y.Size() == 1 && outputShape.Size() > 1 {
			fillLike(output, toFloat64s(y.Flat())[0])
		}
	} else if !outputShape.Equal(y.Shape()) {
		exceptions.Panicf("Axpy: in-place output %s cannot be broadcast to %s", y.Shape(), outputShape)
	}
	xFlat := x.Flat()
	switch outputFlat := output.Flat().(type) {
	case []float32:
		execAxpyGeneric(float32(alpha), xFlat.([]float32), outputFlat)
	case []float64:
		execAxpyGeneric(alpha, xFlat.([]float64), outputFlat)
	default:
		exceptions.Panicf("unsupported data type %s for %s", outputShape.DType, kc.def.Type)
	}
}

func execAxpyGeneric[T float32 | float64](alpha T, x, y []T) {
	xStride := strideFor(len(x))
	for ii := range y {
		y[ii] += alpha * x[ii*xStride]
	}
}

// fillLike sets every element of t to value, converted to t's dtype.
func fillLike(t *tensors.Tensor, value float64) {
	values := make([]float64, t.Size())
	for ii := range values {
		values[ii] = value
	}
	fromFloat64s(values, t.Flat())
}
