// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package eager

import (
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"

	"github.com/awesome-archive/Dragon/backends"
	_ "github.com/awesome-archive/Dragon/backends/cpu"
	"github.com/awesome-archive/Dragon/pkg/core/device"
	"github.com/awesome-archive/Dragon/pkg/core/errs"
	"github.com/awesome-archive/Dragon/pkg/core/opdef"
	"github.com/awesome-archive/Dragon/pkg/core/workspace"
)

var backend backends.Backend

func init() {
	klog.InitFlags(nil)
}

func setup() {
	if os.Getenv(backends.ConfigEnvVar) == "" {
		must.M(os.Setenv(backends.ConfigEnvVar, "cpu:devices=2"))
	} else {
		fmt.Printf("\t$%s=%q\n", backends.ConfigEnvVar, os.Getenv(backends.ConfigEnvVar))
	}
	backend = backends.MustNew()
	fmt.Printf("Backend: %s, %s\n", backend.Name(), backend.Description())
}

func teardown() {
	backend.Finalize()
}

func TestMain(m *testing.M) {
	setup()
	code := m.Run() // Run all tests in the file
	teardown()
	os.Exit(code)
}

func newContext(t *testing.T, wsOptions ...workspace.Option) *Context {
	ws, err := workspace.New(append([]workspace.Option{workspace.WithBackend(backend)}, wsOptions...)...)
	require.NoError(t, err)
	return NewContext(ws)
}

func values(t *testing.T, x *Tensor) []float64 {
	return must.M1(Value[float64](x))
}

func isGraphScoped(id string) bool { return strings.HasPrefix(id, string(workspace.GraphScope)+"/") }

func TestScenarioAddRecorded(t *testing.T) {
	ctx := newContext(t)
	x := must.M1(Variable(ctx, []float64{1, 2}, 2))
	y := must.M1(Constant(ctx, []float64{10, 20}, 2))
	tape, stop := ctx.StartRecording()
	defer stop()

	z, err := Add(x, y)
	require.NoError(t, err)
	require.True(t, z.RequiresGrad())
	require.Same(t, tape, z.Tape())
	require.Equal(t, []float64{11, 22}, values(t, z))

	require.Equal(t, 1, tape.Len())
	def := tape.Definitions()[0]
	assert.Equal(t, "Add", def.Type)
	assert.Equal(t, "Add_0", def.Name)
	assert.Equal(t, []string{x.ID(), y.ID()}, def.Inputs)
	assert.Equal(t, []string{z.ID()}, def.Outputs)
	assert.True(t, tape.IsWatched(z))
	assert.False(t, tape.IsWatched(y))
}

func TestScenarioEmptyOutputs(t *testing.T) {
	ctx := newContext(t)
	x := must.M1(Variable(ctx, []float64{1}, 1))
	tape, stop := ctx.StartRecording()
	defer stop()
	liveData := ctx.Workspace().Collector().NumLive(workspace.DataScope)
	liveGraph := ctx.Workspace().Collector().NumLive(workspace.GraphScope)

	_, err := ctx.Dispatch(opdef.New("Copy"), []*Tensor{x}, nil)
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
	require.Contains(t, err.Error(), "at least 1")
	require.Equal(t, 0, tape.Len())
	require.Equal(t, TapeEmpty, tape.State())
	require.Equal(t, liveData, ctx.Workspace().Collector().NumLive(workspace.DataScope))
	require.Equal(t, liveGraph, ctx.Workspace().Collector().NumLive(workspace.GraphScope))
	require.Equal(t, 0, ctx.Workspace().Operators().NumLive())

	_, _, err = ctx.Op("Copy").Inputs(x).Build()
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestScenarioMergedInstanceTape(t *testing.T) {
	ctx := newContext(t)
	a := must.M1(Variable(ctx, []float64{2}, 1))
	b := must.M1(Variable(ctx, []float64{0}, 1))

	x := must.M1(Mul(a, a))
	t1 := x.Tape()
	require.NotNil(t, t1)
	y := must.M1(Neg(must.M1(Exp(b))))
	t2 := y.Tape()
	require.Equal(t, 2, t2.Len())

	z := must.M1(Add(x, y))
	merged := z.Tape()
	require.NotSame(t, t1, merged)
	require.NotSame(t, t2, merged)
	defs := merged.Definitions()
	require.Len(t, defs, 4)
	expected := append(append(t1.Definitions(), t2.Definitions()...), defs[3])
	for ii := range defs {
		require.Same(t, expected[ii], defs[ii], "definition #%d", ii)
	}
	types := make([]string, len(defs))
	for ii, def := range defs {
		types[ii] = def.Type
	}
	require.Equal(t, []string{"Mul", "Exp", "Neg", "Add"}, types)
	require.Equal(t, []float64{3}, values(t, z))

	// The other input order merges in the other order.
	w := must.M1(Sub(y, x))
	require.Equal(t, "Exp", w.Tape().Definitions()[0].Type)
	require.Equal(t, "Mul", w.Tape().Definitions()[2].Type)
}

func TestGradientPropagation(t *testing.T) {
	ctx := newContext(t)
	c1 := must.M1(Constant(ctx, []float64{1, 2}, 2))
	c2 := must.M1(Constant(ctx, []float64{3, 4}, 2))
	v := must.M1(Variable(ctx, []float64{5, 6}, 2))

	// No input requires gradients.
	for range 3 {
		out := must.M1(Mul(c1, c2))
		require.False(t, out.RequiresGrad())
		require.Nil(t, out.Tape())
		require.False(t, isGraphScoped(out.ID()), out.ID())
		out.Release()
	}

	// Any input requires gradients.
	for _, inputs := range [][2]*Tensor{{v, c1}, {c1, v}, {v, v}} {
		out := must.M1(Mul(inputs[0], inputs[1]))
		require.True(t, out.RequiresGrad())
		require.NotNil(t, out.Tape())
		require.True(t, isGraphScoped(out.ID()), out.ID())
		out.Release()
	}

	// Grad mode disabled.
	require.NoError(t, ctx.NoGrad(func() error {
		require.False(t, ctx.IsGradEnabled())
		out := must.M1(Add(v, c1))
		require.False(t, out.RequiresGrad())
		require.False(t, isGraphScoped(out.ID()))
		return nil
	}))
	require.True(t, ctx.IsGradEnabled())

	// A tape that retains the graph forces it, even with grad mode disabled.
	tape, stop := ctx.StartRecording(RetainGraph())
	out := must.M1(Add(c1, c2))
	require.True(t, out.RequiresGrad())
	require.True(t, isGraphScoped(out.ID()))
	require.NoError(t, ctx.NoGrad(func() error {
		out := must.M1(Add(c1, c2))
		require.True(t, out.RequiresGrad())
		return nil
	}))
	require.Equal(t, 2, tape.Len())
	stop()

	// Explicitly watched tensors.
	tape, stop = ctx.StartRecording()
	defer stop()
	tape.Watch(c1)
	out = must.M1(Exp(c1))
	require.True(t, out.RequiresGrad())
	require.Equal(t, 1, tape.Len())
}

func TestTapeAppendOrder(t *testing.T) {
	ctx := newContext(t)
	x := must.M1(Variable(ctx, []float64{1, 2, 3}, 3))
	tape, stop := ctx.StartRecording()
	defer stop()

	var names []string
	current := x
	for ii := range 10 {
		var err error
		switch ii % 3 {
		case 0:
			current, err = Relu(current)
		case 1:
			current, err = Add(current, x)
		default:
			current, err = Neg(current)
		}
		require.NoError(t, err)
		names = append(names, tape.Definitions()[ii].Name)
	}
	require.Equal(t, 10, tape.Len())
	require.Equal(t, []string{"Relu_0", "Add_0", "Neg_0", "Relu_1", "Add_1", "Neg_1", "Relu_2", "Add_2",
		"Neg_2", "Relu_3"}, names)
	for ii, def := range tape.Definitions()[1:] {
		require.Equal(t, tape.Definitions()[ii].Outputs[0], def.Inputs[0])
	}
}

func TestTapeMerge(t *testing.T) {
	ctx := newContext(t)
	a := must.M1(Variable(ctx, []float64{1}, 1))
	x := must.M1(Exp(must.M1(Exp(a))))
	y := must.M1(Relu(a))
	tapeA, tapeB := x.Tape(), y.Tape()

	merged := newTape(ctx.Workspace())
	require.NoError(t, merged.MergeFrom(tapeA))
	require.NoError(t, merged.MergeFrom(tapeB))
	require.Equal(t, append(tapeA.Definitions(), tapeB.Definitions()...), merged.Definitions())

	// Merging a merge yields the same content.
	nested := newTape(ctx.Workspace())
	require.NoError(t, nested.MergeFrom(merged))
	require.Equal(t, merged.Definitions(), nested.Definitions())

	// No de-duplication.
	require.NoError(t, nested.MergeFrom(tapeA))
	require.Equal(t, merged.Len()+tapeA.Len(), nested.Len())

	// Ignored gradients are merged.
	tapeB.IgnoreGrads("some_id")
	require.NoError(t, nested.MergeFrom(tapeB))
	require.Equal(t, []string{"some_id"}, nested.IgnoredGrads())

	// Consumed tapes.
	nested.Discard()
	require.Equal(t, TapeConsumed, nested.State())
	require.ErrorIs(t, nested.MergeFrom(tapeA), errs.ErrInvalidArgument)
	require.ErrorIs(t, nested.Append(tapeA.Definitions()[0]), errs.ErrInvalidArgument)
	require.Equal(t, TapeRecording, tapeA.State(), "discarding a merged tape doesn't affect its sources")
	require.NoError(t, merged.MergeFrom(nested))
	require.NoError(t, merged.MergeFrom(nil))
}

func TestInPlaceNotRecorded(t *testing.T) {
	ctx := newContext(t)
	w := must.M1(Variable(ctx, []float64{1, 2}, 2))
	g := must.M1(Constant(ctx, []float64{10, 20}, 2))
	tape, stop := ctx.StartRecording(RetainOps())
	defer stop()
	id := w.ID()
	numNames := ctx.Workspace().Operators().NumLive()

	require.NoError(t, AxpyInPlace(-0.5, g, w))
	require.Equal(t, id, w.ID())
	require.Equal(t, []float64{-4, -8}, values(t, w))
	require.True(t, w.RequiresGrad())
	require.Equal(t, 0, tape.Len())
	require.Equal(t, numNames, ctx.Workspace().Operators().NumLive(), "in-place dispatches are not named")

	// Same through Dispatch, with a retain-graph tape active.
	tape2, stop2 := ctx.StartRecording(RetainGraph())
	outputs, err := ctx.Dispatch(opdef.New("Axpy", opdef.Float("alpha", 1.0)), []*Tensor{g, w},
		[]OutputSpec{OutputTensor(w)}, WithoutGrad())
	require.NoError(t, err)
	require.Same(t, w, outputs[0])
	require.Equal(t, 1, w.refs, "reused handles are borrowed")
	require.Equal(t, []float64{6, 12}, values(t, w))
	require.Equal(t, 0, tape2.Len())
	stop2()
}

func TestLiteralOutputs(t *testing.T) {
	ctx := newContext(t)
	x := must.M1(Variable(ctx, []float64{7}, 1))
	out, err := ctx.DispatchOne(opdef.New("Copy"), []*Tensor{x}, OutputID("my_output"))
	require.NoError(t, err)
	require.Equal(t, "my_output", out.ID())
	require.False(t, out.IsOwned())
	require.False(t, out.RequiresGrad())
	require.Nil(t, out.Tape())
	require.Equal(t, []float64{7}, values(t, out))

	// The instance tape had no holder, so its operator name was released.
	require.False(t, ctx.Workspace().Operators().IsLive("Copy_0"))
	out.Release()
	require.True(t, ctx.Workspace().HasTensor("my_output"))

	// Literal inputs.
	wrapped, err := ctx.Wrap("my_output")
	require.NoError(t, err)
	doubled := must.M1(ctx.Op("Add").Inputs(wrapped, wrapped).NewOutputs(1).RunOne())
	require.Equal(t, []float64{14}, values(t, doubled))
	_, err = ctx.Wrap("missing")
	require.ErrorIs(t, err, errs.ErrLookup)
	_, err = ctx.Op("Copy").InputIDs("missing").NewOutputs(1).Run()
	require.ErrorIs(t, err, errs.ErrLookup)
}

func TestRetainOps(t *testing.T) {
	ctx := newContext(t)
	c := must.M1(Constant(ctx, []float64{1, 2}, 2))
	tape, stop := ctx.StartRecording(RetainOps())
	out := must.M1(Exp(c))
	stop()
	require.False(t, out.RequiresGrad())
	require.Equal(t, 0, tape.Len())
	require.True(t, ctx.Workspace().Operators().IsLive("Exp_0"), "name is kept for inspection")

	// Without RetainOps, the name is not allocated.
	_, stop = ctx.StartRecording()
	must.M1(Exp(c))
	stop()
	require.False(t, ctx.Workspace().Operators().IsLive("Exp_1"))

	tape.Discard()
	require.False(t, ctx.Workspace().Operators().IsLive("Exp_0"))

	// A tape consumed by a backward pass while still active doesn't name anything else.
	x := must.M1(Variable(ctx, []float64{1}, 1))
	tape, stop = ctx.StartRecording(RetainOps())
	defer stop()
	loss := must.M1(Exp(x))
	must.M1(ctx.Backward(loss, []*Tensor{x}))
	require.Equal(t, TapeConsumed, tape.State())
	numNames := ctx.Workspace().Operators().NumLive()
	for range 5 {
		out := must.M1(Add(c, c))
		require.False(t, out.RequiresGrad())
		out.Release()
	}
	require.Equal(t, numNames, ctx.Workspace().Operators().NumLive())
}

func TestPreCallbackAndAnchors(t *testing.T) {
	ctx := newContext(t)
	x := must.M1(Constant(ctx, []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}, 3, 4))

	cropped, err := Crop(x, []int64{1, 1}, []int64{2, 2})
	require.NoError(t, err)
	require.Equal(t, []int{2, 2}, cropped.Shape().Dimensions)
	require.Equal(t, []float64{5, 6, 9, 10}, values(t, cropped))
	require.Equal(t, int64(1), must.M1(anchoredValue(ctx, "Crop_0/starts[1]")))
	require.Equal(t, 0, ctx.Workspace().Operators().NumLive(), "transient names are released")

	// Another box, trailing axes and sizes <= 0 extend to the end.
	cropped, err = Crop(x, []int64{2}, []int64{1, 0})
	require.NoError(t, err)
	require.Equal(t, []float64{8, 9, 10, 11}, values(t, cropped))

	// Named operators pass their permanent name.
	v := must.M1(Variable(ctx, []float64{1, 2}, 2))
	var names []string
	out, err := ctx.Op("Relu").Inputs(v).NewOutputs(1).PreCallback(func(name string) {
		names = append(names, name)
	}).RunOne()
	require.NoError(t, err)
	require.Equal(t, []string{"Relu_0"}, names)
	require.Equal(t, "Relu_0", out.Tape().Definitions()[0].Name)
}

// anchoredValue reads a scalar int64 from the context's workspace.
func anchoredValue(ctx *Context, name string) (int64, error) {
	t, err := ctx.Wrap(name)
	if err != nil {
		return 0, err
	}
	return ToScalar[int64](t)
}

func TestDispatchFailures(t *testing.T) {
	ctx := newContext(t)
	x := must.M1(Variable(ctx, []float64{1}, 1))
	tape, stop := ctx.StartRecording()

	// Backend failures are returned unchanged, the outputs and the recorded definition are kept.
	outputs, err := ctx.Op("Unknown").Inputs(x).NewOutputs(2).Run()
	require.ErrorIs(t, err, errs.ErrBackendExecution)
	require.Len(t, outputs, 2)
	require.True(t, outputs[0].RequiresGrad())
	require.Equal(t, 1, tape.Len())
	stop()

	// Released handles.
	y := must.M1(Exp(x))
	y.Release()
	require.True(t, y.IsReleased())
	_, err = Exp(y)
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
	y.Release() // No-op.
	err = exceptions.TryCatch[error](func() { y.Retain() })
	require.Error(t, err)

	// Allocation ceiling: nothing is recorded.
	ctx = newContext(t, workspace.WithMaxTensors(2))
	a := must.M1(Variable(ctx, []float64{1}, 1))
	b := must.M1(Constant(ctx, []float64{2}, 1))
	tape, stop = ctx.StartRecording()
	defer stop()
	_, err = Add(a, b)
	require.ErrorIs(t, err, errs.ErrAllocation)
	require.Equal(t, 0, tape.Len())
	require.Equal(t, 0, ctx.Workspace().Operators().NumLive())

	// Recording into a consumed tape.
	tape.Discard()
	_, err = Neg(a)
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestBuilderPlacement(t *testing.T) {
	ws := must.M1(workspace.New(workspace.WithBackend(backend)))
	ctx := NewContext(ws, WithDefaultDevice(device.CPU(1)))
	filled, err := Fill(ctx, dtypes.Float64, 2.5, 2, 3)
	require.NoError(t, err)
	require.Equal(t, device.CPU(1), filled.Device())
	require.Equal(t, []int{2, 3}, filled.Shape().Dimensions)
	require.Equal(t, []float64{2.5, 2.5, 2.5, 2.5, 2.5, 2.5}, values(t, filled))

	// Derived from the first input.
	x := must.M1(Constant(ctx, []float64{1}, 1))
	template, outputs, err := ctx.Op("Neg").Inputs(x).NewOutputs(1).WithRandomSeed(7).Build()
	require.NoError(t, err)
	require.Equal(t, device.CPU(1), outputs[0].device)
	seed, ok := template.DeviceOption.RandomSeed()
	require.True(t, ok)
	require.Equal(t, uint32(7), seed)
	require.Equal(t, 1, template.DeviceOption.DeviceID())

	// Placements the backend doesn't have, or outside the predefined table.
	_, err = ctx.Op("Neg").Inputs(x).NewOutputs(1).OnDevice(device.CUDA(0)).Run()
	require.ErrorIs(t, err, errs.ErrBackendExecution)
	_, err = ctx.Op("Neg").Inputs(x).NewOutputs(1).OnDevice(device.CPU(100)).Run()
	require.ErrorIs(t, err, errs.ErrLookup)

	casted := must.M1(Cast(x, dtypes.Float32))
	require.Equal(t, dtypes.Float32, casted.DType())
	require.Equal(t, []float32{1}, must.M1(Value[float32](casted)))
}

func TestRecordingStack(t *testing.T) {
	ctx := newContext(t)
	require.Nil(t, ctx.ActiveTape())
	outer, stopOuter := ctx.StartRecording()
	inner, stopInner := ctx.StartRecording()
	require.Same(t, inner, ctx.ActiveTape())
	require.Panics(t, stopOuter)
	stopInner()
	stopInner()
	require.Same(t, outer, ctx.ActiveTape())
	stopOuter()
	require.Nil(t, ctx.ActiveTape())
}

func TestGraphScopeRecycling(t *testing.T) {
	ctx := newContext(t)
	collector := ctx.Workspace().Collector()
	x := must.M1(Variable(ctx, []float64{1}, 1))
	y := must.M1(Exp(x))
	z := must.M1(Neg(y))
	yID := y.ID()

	// y's id is still referenced by z's tape.
	y.Release()
	require.True(t, collector.IsLive(yID))
	require.True(t, collector.IsPinned(yID))

	z.Release()
	require.False(t, collector.IsLive(yID))
	require.True(t, collector.IsLive(x.ID()))
	require.Equal(t, 0, ctx.Workspace().Operators().NumLive())
}
