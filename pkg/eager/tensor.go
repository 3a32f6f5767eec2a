// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package eager

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/awesome-archive/Dragon/pkg/core/device"
	"github.com/awesome-archive/Dragon/pkg/core/errs"
	"github.com/awesome-archive/Dragon/pkg/core/shapes"
	"github.com/awesome-archive/Dragon/pkg/core/tensors"
	"github.com/awesome-archive/Dragon/pkg/core/workspace"
	"github.com/awesome-archive/Dragon/pkg/support/sets"
)

// Tensor is a reference-counted handle to a tensor id in the workspace of a Context.
//
// The handle carries the gradient bookkeeping: whether the tensor requires gradients, the set of
// gradient ids to ignore, and the tape that produced it (an association, the tape is not owned).
//
// Handles created by the Context (NewTensor, Constant, Variable, or a dispatch with a fresh output)
// own their id: when the last reference is released (see Release) the id goes back to the collector.
// Handles to literal ids (see Context.Wrap) don't own their id.
type Tensor struct {
	ctx    *Context
	id     string
	device device.Device
	owned  bool
	refs   int

	requiresGrad bool
	ignoredGrads sets.Set[string]
	tape         *Tape
}

func newTensor(ctx *Context, id string, dev device.Device, owned bool) *Tensor {
	return &Tensor{ctx: ctx, id: id, device: dev, owned: owned, refs: 1, ignoredGrads: sets.Make[string]()}
}

// ID of the tensor in the workspace.
func (t *Tensor) ID() string { return t.id }

// Device where the tensor was placed.
func (t *Tensor) Device() device.Device { return t.device }

// IsOwned returns whether the handle owns its id, that is, whether releasing it returns the id to the collector.
func (t *Tensor) IsOwned() bool { return t.owned }

// Storage returns the workspace storage slot of the tensor, or nil if it was deleted.
func (t *Tensor) Storage() *tensors.Tensor {
	storage, err := t.ctx.ws.Tensor(t.id)
	if err != nil {
		return nil
	}
	return storage
}

// Shape of the tensor's value, or an invalid shape if it has no value yet.
func (t *Tensor) Shape() shapes.Shape {
	if storage := t.Storage(); storage != nil {
		return storage.Shape()
	}
	return shapes.Invalid()
}

// DType of the tensor's value.
func (t *Tensor) DType() dtypes.DType { return t.Shape().DType }

// RequiresGrad returns whether gradients are propagated through this tensor.
func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }

// SetRequiresGrad marks the tensor as trainable (or not). It returns the tensor itself.
//
// Use it on leaves: outputs of differentiable dispatches have it set by the engine.
func (t *Tensor) SetRequiresGrad(requiresGrad bool) *Tensor {
	t.requiresGrad = requiresGrad
	return t
}

// IgnoredGrads returns the sorted ids whose gradient must not be propagated through this tensor.
func (t *Tensor) IgnoredGrads() []string { return sets.Sorted(t.ignoredGrads) }

// IgnoreGrads adds ids whose gradient must not be propagated through this tensor (and tensors derived from it).
func (t *Tensor) IgnoreGrads(ids ...string) { t.ignoredGrads.Insert(ids...) }

// Tape that produced this tensor, or nil for leaves and non-differentiable values.
func (t *Tensor) Tape() *Tape { return t.tape }

// setTape associates the tensor with a tape, keeping a reference to it.
func (t *Tensor) setTape(tape *Tape) {
	if t.tape == tape {
		return
	}
	if tape != nil {
		tape.retain()
	}
	if t.tape != nil {
		t.tape.release()
	}
	t.tape = tape
}

// Retain adds a reference to the handle, and returns it.
func (t *Tensor) Retain() *Tensor {
	if t.refs <= 0 {
		exceptions.Panicf("Tensor(%q).Retain(): handle already released", t.id)
	}
	t.refs++
	return t
}

// Release drops a reference to the handle. When the last one is dropped, an owned id is returned to
// the collector (the storage is kept by the workspace for reuse) and the tape is released.
//
// Releasing an already released handle is a no-op.
func (t *Tensor) Release() {
	if t.refs <= 0 {
		return
	}
	t.refs--
	if t.refs > 0 {
		return
	}
	if t.owned {
		t.ctx.ws.Collector().Release(t.id)
	}
	t.setTape(nil)
}

// IsReleased returns whether all references to the handle were released.
func (t *Tensor) IsReleased() bool { return t.refs <= 0 }

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	grad := ""
	if t.requiresGrad {
		grad = ", requires_grad"
	}
	if storage := t.Storage(); storage != nil && storage.IsMaterialized() {
		return fmt.Sprintf("Tensor(%s: %s @%s%s)", t.id, storage.Shape(), t.device, grad)
	}
	return fmt.Sprintf("Tensor(%s: <no value> @%s%s)", t.id, t.device, grad)
}

// Value returns the flat values of the tensor as a []T. The slice is owned by the workspace.
func Value[T dtypes.Supported](t *Tensor) ([]T, error) {
	storage, err := t.ctx.ws.Tensor(t.id)
	if err != nil {
		return nil, err
	}
	return tensors.Flat[T](storage)
}

// ToScalar returns the single value of the tensor converted to T.
func ToScalar[T int64 | float64](t *Tensor) (T, error) {
	storage, err := t.ctx.ws.Tensor(t.id)
	if err != nil {
		return 0, err
	}
	return tensors.ToScalar[T](storage)
}

// createTensor allocates an owned handle in the scope implied by trainable, with the given value.
func (ctx *Context) createTensor(value *tensors.Tensor, dev device.Device, trainable bool) (*Tensor, error) {
	storage, err := ctx.ws.AllocTensor(workspace.ResolveScope(trainable))
	if err != nil {
		return nil, err
	}
	if err := storage.CopyFrom(value); err != nil {
		ctx.ws.Collector().Release(storage.Name())
		return nil, errors.WithMessagef(err, "creating tensor %q", storage.Name())
	}
	t := newTensor(ctx, storage.Name(), dev, true)
	t.requiresGrad = trainable
	return t, nil
}

// NewTensor creates a zero-initialized tensor with the given shape on the context's default device.
//
// Trainable tensors require gradients and are allocated in the graph scope, others in the data scope.
// It fails with an ErrAllocation error if the collector can't allocate a new id.
func (ctx *Context) NewTensor(shape shapes.Shape, trainable bool) (*Tensor, error) {
	if !shape.Ok() {
		return nil, errs.InvalidArgumentf("NewTensor: invalid shape")
	}
	return ctx.createTensor(tensors.FromShape("", shape), ctx.defaultDevice, trainable)
}

// Constant creates a tensor with the given values and dimensions that doesn't require gradients.
func Constant[T dtypes.Supported](ctx *Context, values []T, dimensions ...int) (*Tensor, error) {
	value, err := tensors.FromFlatData("", values, dimensions...)
	if err != nil {
		return nil, errs.InvalidArgumentf("%v", err)
	}
	return ctx.createTensor(value, ctx.defaultDevice, false)
}

// Scalar creates a scalar tensor that doesn't require gradients.
func Scalar[T dtypes.Supported](ctx *Context, value T) (*Tensor, error) {
	return ctx.createTensor(tensors.FromScalar("", value), ctx.defaultDevice, false)
}

// Variable creates a trainable tensor (it requires gradients) with the given values and dimensions.
func Variable[T dtypes.Supported](ctx *Context, values []T, dimensions ...int) (*Tensor, error) {
	value, err := tensors.FromFlatData("", values, dimensions...)
	if err != nil {
		return nil, errs.InvalidArgumentf("%v", err)
	}
	return ctx.createTensor(value, ctx.defaultDevice, true)
}

// Wrap returns a handle to an existing workspace tensor, identified by a literal id.
//
// The handle doesn't own the id (releasing it doesn't recycle the id) and doesn't require gradients.
// It fails with an ErrLookup error if the tensor doesn't exist.
func (ctx *Context) Wrap(id string) (*Tensor, error) {
	if !ctx.ws.HasTensor(id) {
		return nil, errs.Lookupf("tensor %q does not exist in workspace %q", id, ctx.ws.Name())
	}
	return newTensor(ctx, id, ctx.defaultDevice, false), nil
}
