// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awesome-archive/Dragon/backends"
	"github.com/awesome-archive/Dragon/pkg/core/errs"
	"github.com/awesome-archive/Dragon/pkg/core/opdef"
	"github.com/awesome-archive/Dragon/pkg/core/tensors"
)

// copyBackend implements "Copy" and fails every other operator type.
type copyBackend struct {
	ran []string
}

func (b *copyBackend) Name() string        { return "copy" }
func (b *copyBackend) Description() string { return "test backend" }
func (b *copyBackend) NumDevices() int     { return 1 }
func (b *copyBackend) Finalize()           {}

func (b *copyBackend) RunOperator(def *opdef.OperatorDef, store backends.Store) error {
	b.ran = append(b.ran, def.Type)
	if def.Type != "Copy" {
		return errs.BackendExecutionf("kernel %s not implemented", def.Type)
	}
	src := must.M1(store.Tensor(def.Inputs[0]))
	dst := must.M1(store.Tensor(def.Outputs[0]))
	return dst.CopyFrom(src)
}

func newTestWorkspace(t *testing.T, options ...Option) (*Workspace, *copyBackend) {
	backend := &copyBackend{}
	ws, err := New(append([]Option{WithBackend(backend), WithName("test")}, options...)...)
	require.NoError(t, err)
	return ws, backend
}

func TestStorage(t *testing.T) {
	ws, _ := newTestWorkspace(t)
	require.Equal(t, "test", ws.Name())
	require.False(t, ws.HasTensor("x"))
	_, err := ws.Tensor("x")
	require.ErrorIs(t, err, errs.ErrLookup)

	x := ws.CreateTensor("x")
	require.Same(t, x, ws.CreateTensor("x"))
	require.True(t, ws.HasTensor("x"))
	require.False(t, x.IsMaterialized())

	require.NoError(t, ws.FeedTensor("x", must.M1(tensors.FromFlatData("v", []float32{1, 2, 3, 4}, 2, 2))))
	require.Equal(t, uintptr(16), ws.MemoryUsage())
	require.Contains(t, ws.String(), "16 B")

	ws.DeleteTensor("x")
	require.False(t, ws.HasTensor("x"))
	require.Equal(t, uintptr(0), ws.MemoryUsage())
}

func TestRunOperator(t *testing.T) {
	ws, backend := newTestWorkspace(t)
	require.NoError(t, ws.FeedTensor("x", tensors.FromScalar("v", 3.0)))

	def := opdef.New("Copy").DeriveTo([]string{"x"}, []string{"y"})
	require.NoError(t, ws.RunOperator(def))
	require.Equal(t, 3.0, must.M1(tensors.ToScalar[float64](must.M1(ws.Tensor("y")))))

	// Missing input: lookup failure, backend not called.
	err := ws.RunOperator(opdef.New("Copy").DeriveTo([]string{"missing"}, []string{"z"}))
	require.ErrorIs(t, err, errs.ErrLookup)
	require.Equal(t, []string{"Copy"}, backend.ran)

	// Backend failures are returned unchanged.
	err = ws.RunOperator(opdef.New("Unknown").DeriveTo([]string{"x"}, []string{"z"}))
	require.ErrorIs(t, err, errs.ErrBackendExecution)
	require.True(t, ws.HasTensor("z"), "output storage is created before running")
}

func TestAnchoredArguments(t *testing.T) {
	ws, _ := newTestWorkspace(t)
	ws.SetArgumentInt64("Crop_0/starts[0]", 1)
	ws.SetArgumentInt64("Crop_0/starts[1]", 2)
	values, err := ReadAnchoredInts(ws, "Crop_0", []string{"${ANCHOR}/starts[0]", "${ANCHOR}/starts[1]"})
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, values)

	_, err = ReadAnchoredInts(ws, "Crop_1", []string{"${ANCHOR}/starts[0]"})
	require.ErrorIs(t, err, errs.ErrLookup)

	require.NoError(t, ws.FeedTensor("Crop_2/starts[0]", tensors.FromScalar("v", float32(1))))
	_, err = ReadAnchoredInts(ws, "Crop_2", []string{"${ANCHOR}/starts[0]"})
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestAllocTensorCeiling(t *testing.T) {
	ws, _ := newTestWorkspace(t, WithMaxTensors(2))
	a := must.M1(ws.AllocTensor(DataScope))
	b := must.M1(ws.AllocTensor(GraphScope))
	assert.Equal(t, "${DATA}/0", a.Name())
	assert.Equal(t, "${GRAPH}/0", b.Name())
	_, err := ws.AllocTensor(DataScope)
	require.ErrorIs(t, err, errs.ErrAllocation)

	// Releasing makes room, and the id (and storage) is reused.
	ws.Collector().Release(a.Name())
	c := must.M1(ws.AllocTensor(DataScope))
	assert.Same(t, a, c)

	_, err = New(WithBackend(&copyBackend{}), WithMaxTensors(-1))
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
}
