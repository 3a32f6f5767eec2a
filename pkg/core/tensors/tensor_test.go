// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"

	"github.com/awesome-archive/Dragon/pkg/core/shapes"
)

func TestMaterialization(t *testing.T) {
	x := New("${DATA}/0")
	require.False(t, x.IsMaterialized())
	require.False(t, x.Shape().Ok())
	require.Equal(t, uintptr(0), x.Memory())
	_, err := Flat[float32](x)
	require.Error(t, err)

	x.Reset(shapes.Make(dtypes.Float32, 2, 3))
	require.True(t, x.IsMaterialized())
	flat := must.M1(Flat[float32](x))
	require.Len(t, flat, 6)
	flat[5] = 7

	// Reshape keeps the buffer and values.
	x.Reset(shapes.Make(dtypes.Float32, 6))
	require.Equal(t, float32(7), must.M1(Flat[float32](x))[5])

	// Changing dtype re-allocates.
	x.Reset(shapes.Make(dtypes.Int64, 6))
	require.Equal(t, int64(0), must.M1(Flat[int64](x))[5])
	_, err = Flat[float32](x)
	require.ErrorContains(t, err, "cannot be accessed")

	x.Finalize()
	require.False(t, x.IsMaterialized())
}

func TestFromFlatDataAndCopy(t *testing.T) {
	_, err := FromFlatData("a", []float64{1, 2, 3}, 2, 2)
	require.Error(t, err)

	a := must.M1(FromFlatData("a", []float64{1, 2, 3, 4}, 2, 2))
	b := New("b")
	require.NoError(t, b.CopyFrom(a))
	require.True(t, a.Shape().Equal(b.Shape()))
	must.M1(Flat[float64](b))[0] = 100
	require.Equal(t, 1.0, must.M1(Flat[float64](a))[0], "CopyFrom must be a deep copy")

	require.Error(t, a.CopyFrom(New("empty")))
}

func TestToScalar(t *testing.T) {
	require.Equal(t, int64(3), must.M1(ToScalar[int64](FromScalar("i", int32(3)))))
	require.Equal(t, 0.5, must.M1(ToScalar[float64](FromScalar("f", float32(0.5)))))
	_, err := ToScalar[int64](must.M1(FromFlatData("v", []int64{1, 2}, 2)))
	require.Error(t, err)
}
