// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"math"

	"github.com/gomlx/exceptions"

	"github.com/awesome-archive/Dragon/pkg/core/shapes"
)

func init() {
	kernels["Neg"] = execNeg
	kernels["Exp"] = execExp
	kernels["Relu"] = execRelu
	kernels["Copy"] = execCopy
	kernels["Cast"] = execCast
}

// unaryOperandAndOutput returns the input flat values and the output, reset to the input shape.
// The output may be the input itself (in-place).
func unaryOperandAndOutput(kc *kernelContext) (inputFlat any, outputFlat any, shape shapes.Shape) {
	kc.checkArity(1, 1)
	input := kc.input(0)
	inputFlat, shape = input.Flat(), input.Shape()
	output := kc.output(0)
	output.Reset(shape)
	return inputFlat, output.Flat(), shape
}

func execNeg(kc *kernelContext) {
	inputFlat, outputFlat, shape := unaryOperandAndOutput(kc)
	switch output := outputFlat.(type) {
	case []float32:
		execNegGeneric(inputFlat.([]float32), output)
	case []float64:
		execNegGeneric(inputFlat.([]float64), output)
	case []int32:
		execNegGeneric(inputFlat.([]int32), output)
	case []int64:
		execNegGeneric(inputFlat.([]int64), output)
	default:
		exceptions.Panicf("unsupported data type %s for %s", shape.DType, kc.def.Type)
	}
}

func execNegGeneric[T numeric](inputs, outputs []T) {
	for ii, input := range inputs {
		outputs[ii] = -input
	}
}

func execRelu(kc *kernelContext) {
	inputFlat, outputFlat, shape := unaryOperandAndOutput(kc)
	switch output := outputFlat.(type) {
	case []float32:
		execReluGeneric(inputFlat.([]float32), output)
	case []float64:
		execReluGeneric(inputFlat.([]float64), output)
	case []int32:
		execReluGeneric(inputFlat.([]int32), output)
	case []int64:
		execReluGeneric(inputFlat.([]int64), output)
	default:
		exceptions.Panicf("unsupported data type %s for %s", shape.DType, kc.def.Type)
	}
}

func execReluGeneric[T numeric](inputs, outputs []T) {
	for ii, input := range inputs {
		outputs[ii] = max(input, 0)
	}
}

func execExp(kc *kernelContext) {
	inputFlat, outputFlat, shape := unaryOperandAndOutput(kc)
	switch output := outputFlat.(type) {
	case []float32:
		for ii, input := range inputFlat.([]float32) {
			output[ii] = float32(math.Exp(float64(input)))
		}
	case []float64:
		for ii, input := range inputFlat.([]float64) {
			output[ii] = math.Exp(input)
		}
	default:
		exceptions.Panicf("unsupported data type %s for %s", shape.DType, kc.def.Type)
	}
}

// execCopy copies the input to the output, for any dtype.
func execCopy(kc *kernelContext) {
	kc.checkArity(1, 1)
	if err := kc.output(0).CopyFrom(kc.input(0)); err != nil {
		panic(err)
	}
}

// execCast converts the input to the dtype given by the "dtype" argument.
// Conversions go through float64, so int64 values beyond 2^53 lose precision.
func execCast(kc *kernelContext) {
	kc.checkArity(1, 1)
	input := kc.input(0)
	dtype := parseDType(kc.stringArg("dtype", "float32"))
	values := toFloat64s(input.Flat())
	output := kc.output(0)
	output.Reset(shapes.Make(dtype, input.Shape().Dimensions...))
	fromFloat64s(values, output.Flat())
}
