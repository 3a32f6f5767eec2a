// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// numeric are the Go types the arithmetic kernels are instantiated for.
type numeric interface {
	constraints.Integer | constraints.Float
}

// dtypeByName maps the "dtype" argument values to DTypes.
var dtypeByName = map[string]dtypes.DType{
	"float16": dtypes.Float16,
	"float32": dtypes.Float32,
	"float64": dtypes.Float64,
	"int32":   dtypes.Int32,
	"int64":   dtypes.Int64,
}

// parseDType converts a "dtype" argument value, case-insensitive.
func parseDType(name string) dtypes.DType {
	dtype, found := dtypeByName[strings.ToLower(name)]
	if !found {
		exceptions.Panicf("unsupported dtype %q", name)
	}
	return dtype
}

// toFloat64s converts any supported flat slice to float64 values.
func toFloat64s(flat any) []float64 {
	switch values := flat.(type) {
	case []float16.Float16:
		out := make([]float64, len(values))
		for ii, v := range values {
			out[ii] = float64(v.Float32())
		}
		return out
	case []float32:
		return convertFlat[float32, float64](values)
	case []float64:
		return convertFlat[float64, float64](values)
	case []int32:
		return convertFlat[int32, float64](values)
	case []int64:
		return convertFlat[int64, float64](values)
	default:
		exceptions.Panicf("unsupported flat type %T", flat)
		return nil
	}
}

// fromFloat64s writes the float64 values into a supported flat slice of the same length.
func fromFloat64s(values []float64, flat any) {
	switch out := flat.(type) {
	case []float16.Float16:
		for ii, v := range values {
			out[ii] = float16.Fromfloat32(float32(v))
		}
	case []float32:
		convertInto(values, out)
	case []float64:
		copy(out, values)
	case []int32:
		convertInto(values, out)
	case []int64:
		convertInto(values, out)
	default:
		exceptions.Panicf("unsupported flat type %T", flat)
	}
}

func convertFlat[From, To numeric](values []From) []To {
	out := make([]To, len(values))
	convertInto(values, out)
	return out
}

func convertInto[From, To numeric](values []From, out []To) {
	for ii, v := range values {
		out[ii] = To(v)
	}
}
