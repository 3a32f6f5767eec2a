// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"

	"github.com/awesome-archive/Dragon/pkg/core/shapes"
)

func init() {
	kernels["Fill"] = execFill
	kernels["OnesLike"] = func(kc *kernelContext) { execFillLike(kc, 1) }
	kernels["ZerosLike"] = func(kc *kernelContext) { execFillLike(kc, 0) }
}

// execFill creates a tensor with dimensions "dims" and dtype "dtype" (default float32) filled with "value".
func execFill(kc *kernelContext) {
	kc.checkArity(0, 1)
	dims := must.M1(kc.def.IntsArg("dims"))
	dimensions := make([]int, len(dims))
	for ii, d := range dims {
		if d < 0 {
			exceptions.Panicf("Fill: negative dimension in %v", dims)
		}
		dimensions[ii] = int(d)
	}
	dtype := parseDType(kc.stringArg("dtype", "float32"))
	output := kc.output(0)
	output.Reset(shapes.Make(dtype, dimensions...))
	fillLike(output, kc.floatArg("value", 0))
}

// execFillLike creates a tensor with the shape of the input filled with value.
func execFillLike(kc *kernelContext, value float64) {
	kc.checkArity(1, 1)
	shape := kc.input(0).Shape()
	output := kc.output(0)
	output.Reset(shape)
	fillLike(output, value)
}
