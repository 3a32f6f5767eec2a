// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"

	"github.com/awesome-archive/Dragon/pkg/core/shapes"
	"github.com/awesome-archive/Dragon/pkg/core/workspace"
)

func init() {
	kernels["Crop"] = execCrop
}

// cropArg returns the values of the "starts" or "sizes" argument. If "<name>_desc" is set, the values are
// deferred: read from the workspace scalars named by the descriptors, anchored on the operator name.
func (kc *kernelContext) cropArg(name string) []int64 {
	if kc.def.HasArg(name + "_desc") {
		descs := must.M1(kc.def.StringsArg(name + "_desc"))
		return must.M1(workspace.ReadAnchoredInts(kc.store, kc.def.Name, descs))
	}
	return must.M1(kc.def.IntsArg(name))
}

// execCrop copies the box starting at "starts" with dimensions "sizes" out of the input.
// Missing trailing axes, and sizes <= 0, extend to the end of the axis.
func execCrop(kc *kernelContext) {
	kc.checkArity(1, 1)
	input := kc.input(0)
	output := kc.output(0)
	if output == input {
		exceptions.Panicf("Crop cannot run in-place on %q", input.Name())
	}
	shape := input.Shape()
	rank := shape.Rank()
	starts, sizes := kc.cropArg("starts"), kc.cropArg("sizes")
	if len(starts) > rank || len(sizes) > rank {
		exceptions.Panicf("Crop: %d starts and %d sizes given for input shape %s", len(starts), len(sizes), shape)
	}
	begin := make([]int, rank)
	dims := make([]int, rank)
	for axis := range rank {
		dim := shape.Dim(axis)
		if axis < len(starts) {
			begin[axis] = int(starts[axis])
		}
		dims[axis] = dim - begin[axis]
		if axis < len(sizes) && sizes[axis] > 0 {
			dims[axis] = int(sizes[axis])
		}
		if begin[axis] < 0 || dims[axis] < 0 || begin[axis]+dims[axis] > dim {
			exceptions.Panicf("Crop: box start=%v size=%v out of bounds for axis %d of %s",
				begin[axis], dims[axis], axis, shape)
		}
	}
	output.Reset(shapes.Make(shape.DType, dims...))
	if output.Size() == 0 {
		return
	}

	inputValue, outputValue := reflect.ValueOf(input.Flat()), reflect.ValueOf(output.Flat())
	if rank == 0 {
		reflect.Copy(outputValue, inputValue)
		return
	}

	// Copy one contiguous run of the last axis at a time.
	strides := make([]int, rank)
	stride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= shape.Dim(axis)
	}
	runLength := dims[rank-1]
	numRuns := output.Size() / runLength
	index := make([]int, rank-1)
	for run := range numRuns {
		inputOffset := begin[rank-1]
		for axis, idx := range index {
			inputOffset += (begin[axis] + idx) * strides[axis]
		}
		outputOffset := run * runLength
		reflect.Copy(outputValue.Slice(outputOffset, outputOffset+runLength),
			inputValue.Slice(inputOffset, inputOffset+runLength))

		// Increment the multi-dimensional index over the leading axes.
		for axis := rank - 2; axis >= 0; axis-- {
			index[axis]++
			if index[axis] < dims[axis] {
				break
			}
			index[axis] = 0
		}
	}
}
