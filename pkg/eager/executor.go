// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package eager

import (
	"k8s.io/klog/v2"

	"github.com/awesome-archive/Dragon/pkg/core/device"
	"github.com/awesome-archive/Dragon/pkg/core/errs"
	"github.com/awesome-archive/Dragon/pkg/core/opdef"
	"github.com/awesome-archive/Dragon/pkg/core/workspace"
	"github.com/awesome-archive/Dragon/pkg/support/sets"
)

// DispatchOption configures one call to Context.Dispatch.
type DispatchOption func(cfg *dispatchConfig)

type dispatchConfig struct {
	noGrad      bool
	preCallback func(name string)
}

// WithoutGrad skips all gradient bookkeeping: nothing is recorded and the outputs' gradient flags
// are left untouched. It's used by in-place operations that overwrite an existing handle, which
// keeps its identity, even if it requires gradients.
func WithoutGrad() DispatchOption {
	return func(cfg *dispatchConfig) { cfg.noGrad = true }
}

// WithPreCallback sets a function called with the operator instance name right before the operator
// runs. It's the hook used to feed arguments that depend on the name, see workspace.ResolveAnchor.
func WithPreCallback(fn func(name string)) DispatchOption {
	return func(cfg *dispatchConfig) { cfg.preCallback = fn }
}

// Dispatch runs the operator described by template on the inputs, writing to the outputs, and
// returns the output handles in order.
//
// Outputs requested with NewOutput are allocated in the graph scope if the operation requires
// gradients, in the data scope otherwise. The operation requires gradients if grad mode is enabled
// and any input requires gradients or is watched by the active tape, or if the active tape retains
// the graph.
//
// A differentiable dispatch is named, and recorded in the active tape or, if not recording, in a new
// instance tape. Either way the inputs' own tapes are merged first, so the history recorded before
// the active tape started is kept. Its outputs require gradients and refer to that tape.
//
// Handles of outputs requested with OutputTensor are the borrowed handles themselves: no reference is
// added, so they must not be released twice.
//
// Errors: ErrInvalidArgument if outputs is empty or a handle was released, ErrAllocation if an
// output id can't be allocated, ErrLookup if an input doesn't exist in the workspace. Errors of the
// backend are returned unchanged along with the outputs: the handles and any recorded definition
// are kept, and the caller may release them.
func (ctx *Context) Dispatch(template *opdef.OperatorDef, inputs []*Tensor, outputs []OutputSpec,
	options ...DispatchOption) ([]*Tensor, error) {
	var cfg dispatchConfig
	for _, option := range options {
		option(&cfg)
	}
	if len(outputs) == 0 {
		return nil, errs.InvalidArgumentf("the number of outputs of %s should be at least 1, got 0", template.Type)
	}

	// Gradient requirement.
	active := ctx.ActiveTape()
	requiresGrad := false
	inputIDs := make([]string, len(inputs))
	for i, input := range inputs {
		if input == nil || input.IsReleased() {
			return nil, errs.InvalidArgumentf("input #%d of %s is nil or was released", i, template.Type)
		}
		inputIDs[i] = input.ID()
		if input.requiresGrad || (active != nil && active.IsWatched(input)) {
			requiresGrad = true
		}
	}
	requiresGrad = requiresGrad && ctx.gradEnabled
	if active != nil && active.retainGraph {
		requiresGrad = true
	}
	recording := len(inputs) > 0 && !cfg.noGrad
	if recording && requiresGrad && active != nil && active.state == TapeConsumed {
		return nil, errs.InvalidArgumentf("cannot record %s: the active %s was consumed", template.Type, active)
	}

	// Outputs.
	scope := workspace.ResolveScope(requiresGrad)
	handles := make([]*Tensor, len(outputs))
	tracked := make([]bool, len(outputs))
	outputIDs := make([]string, len(outputs))
	for i, spec := range outputs {
		switch spec.kind {
		case outputTensor:
			if spec.tensor == nil || spec.tensor.IsReleased() {
				releaseFresh(outputs, handles[:i])
				return nil, errs.InvalidArgumentf("output #%d of %s is nil or was released", i, template.Type)
			}
			handles[i], tracked[i] = spec.tensor, true
		case outputID:
			ctx.ws.CreateTensor(spec.id)
			handles[i] = newTensor(ctx, spec.id, ctx.placement(inputs), false)
		default:
			storage, err := ctx.ws.AllocTensor(scope)
			if err != nil {
				releaseFresh(outputs, handles[:i])
				return nil, err
			}
			handles[i], tracked[i] = newTensor(ctx, storage.Name(), spec.device, true), true
		}
		outputIDs[i] = handles[i].ID()
	}

	def := template.DeriveTo(inputIDs, outputIDs)

	// Gradient bookkeeping.
	var governing *Tape
	if recording {
		if requiresGrad {
			def.Name = ctx.ws.Operators().Alloc(def.Type)
			ignores := sets.Make[string]()
			if active != nil {
				governing = active
				// Keep the history of inputs made differentiable before recording started.
				for _, input := range inputs {
					if input.tape != nil && input.tape != active {
						_ = governing.MergeFrom(input.tape)
					}
				}
			} else {
				governing = newTape(ctx.ws)
				for _, input := range inputs {
					// A new tape can't be consumed.
					_ = governing.MergeFrom(input.tape)
				}
			}
			for _, input := range inputs {
				ignores = ignores.Union(input.ignoredGrads)
			}
			_ = governing.Append(def)
			governing.IgnoreGrads(sets.Sorted(ignores)...)
			for i, output := range handles {
				if !tracked[i] {
					continue
				}
				output.requiresGrad = true
				output.ignoredGrads = ignores.Clone()
				output.setTape(governing)
			}
		} else {
			if active != nil && active.retainOps && active.state != TapeConsumed {
				def.Name = ctx.ws.Operators().Alloc(def.Type)
				active.keepName(def.Name)
			}
			for i, output := range handles {
				if tracked[i] {
					output.requiresGrad = false
				}
			}
		}
	}

	if klog.V(2).Enabled() {
		klog.Infof("eager: dispatch %s (requires_grad=%v, no_grad=%v, tape=%v)", def, requiresGrad, cfg.noGrad, governing)
	}

	transientName := false
	if cfg.preCallback != nil {
		if def.Name == "" {
			def.Name = ctx.ws.Operators().Alloc(def.Type)
			transientName = true
		}
		cfg.preCallback(def.Name)
	}
	err := ctx.ws.RunOperator(def)
	if transientName {
		ctx.ws.Operators().Release(def.Name)
	}
	if governing != nil {
		if err != nil {
			klog.Warningf("eager: %s was recorded in %s but failed: %v", def.Name, governing, err)
		}
		if governing.refs == 0 && !governing.userOwned {
			// No output holds the instance tape: only literal ids were written.
			governing.Discard()
		}
	}
	return handles, err
}

// DispatchOne is like Dispatch with a single output, and returns its handle.
func (ctx *Context) DispatchOne(template *opdef.OperatorDef, inputs []*Tensor, output OutputSpec,
	options ...DispatchOption) (*Tensor, error) {
	handles, err := ctx.Dispatch(template, inputs, []OutputSpec{output}, options...)
	if len(handles) == 0 {
		return nil, err
	}
	return handles[0], err
}

// placement returns the device of the first input, or the default device if there are no inputs.
func (ctx *Context) placement(inputs []*Tensor) device.Device {
	if len(inputs) > 0 {
		return inputs[0].Device()
	}
	return ctx.defaultDevice
}

// releaseFresh releases the handles allocated for NewOutput specs, after a failed dispatch.
func releaseFresh(outputs []OutputSpec, handles []*Tensor) {
	for i, handle := range handles {
		if outputs[i].kind == outputDevice && handle != nil {
			handle.Release()
		}
	}
}
