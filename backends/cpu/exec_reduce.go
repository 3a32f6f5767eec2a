// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"github.com/gomlx/exceptions"

	"github.com/awesome-archive/Dragon/pkg/core/shapes"
)

func init() {
	kernels["ReduceSum"] = execReduceSum
}

// execReduceSum sums all the elements of the input into a scalar of the same dtype.
func execReduceSum(kc *kernelContext) {
	kc.checkArity(1, 1)
	input := kc.input(0)
	inputFlat, dtype := input.Flat(), input.DType()
	output := kc.output(0)
	output.Reset(shapes.Make(dtype))
	switch outputFlat := output.Flat().(type) {
	case []float32:
		outputFlat[0] = sumGeneric(inputFlat.([]float32))
	case []float64:
		outputFlat[0] = sumGeneric(inputFlat.([]float64))
	case []int32:
		outputFlat[0] = sumGeneric(inputFlat.([]int32))
	case []int64:
		outputFlat[0] = sumGeneric(inputFlat.([]int64))
	default:
		exceptions.Panicf("unsupported data type %s for %s", dtype, kc.def.Type)
	}
}

func sumGeneric[T numeric](values []T) T {
	var sum T
	for _, v := range values {
		sum += v
	}
	return sum
}
