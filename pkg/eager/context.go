// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package eager

import (
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/awesome-archive/Dragon/pkg/core/device"
	"github.com/awesome-archive/Dragon/pkg/core/workspace"
)

// Context is the recording context of eager execution: it binds a Workspace with the stack of
// active tapes, the grad mode and the default device of new tensors.
//
// The active tape is the top of the stack: it's pushed by StartRecording and popped by the
// returned stop function. There is no process-wide state, every dispatch goes through a Context.
//
// A Context is not safe for concurrent use, and neither is its Workspace.
type Context struct {
	ws            *workspace.Workspace
	tapes         []*Tape
	gradEnabled   bool
	defaultDevice device.Device
}

// ContextOption configures a Context.
type ContextOption func(ctx *Context)

// WithDefaultDevice sets the device of tensors created without inputs to derive a placement from.
// The default is cpu:0.
func WithDefaultDevice(dev device.Device) ContextOption {
	return func(ctx *Context) { ctx.defaultDevice = dev }
}

// NewContext returns a recording context over the workspace, with grad mode enabled and no active tape.
func NewContext(ws *workspace.Workspace, options ...ContextOption) *Context {
	ctx := &Context{ws: ws, gradEnabled: true, defaultDevice: device.CPU(0)}
	for _, option := range options {
		option(ctx)
	}
	return ctx
}

// Workspace used by the context.
func (ctx *Context) Workspace() *workspace.Workspace { return ctx.ws }

// DefaultDevice of new tensors.
func (ctx *Context) DefaultDevice() device.Device { return ctx.defaultDevice }

// ActiveTape returns the tape on top of the recording stack, or nil if not recording.
func (ctx *Context) ActiveTape() *Tape {
	if len(ctx.tapes) == 0 {
		return nil
	}
	return ctx.tapes[len(ctx.tapes)-1]
}

// StartRecording pushes a new tape as the active tape, and returns it with the function that pops it.
// Typical use:
//
//	tape, stop := ctx.StartRecording()
//	defer stop()
//
// The tape outlives the recording region: it's owned by the caller, and is discarded by a
// Backward without RetainGraph or by Tape.Discard. Calling stop more than once is a no-op,
// and stopping a tape that is not on top of the stack panics.
func (ctx *Context) StartRecording(options ...TapeOption) (*Tape, func()) {
	tape := newTape(ctx.ws, options...)
	tape.userOwned = true
	ctx.tapes = append(ctx.tapes, tape)
	klog.V(1).Infof("eager: start recording %s", tape)
	stopped := false
	return tape, func() {
		if stopped {
			return
		}
		if ctx.ActiveTape() != tape {
			exceptions.Panicf("eager: stopping recording of %s out of order", tape)
		}
		stopped = true
		ctx.tapes = ctx.tapes[:len(ctx.tapes)-1]
		klog.V(1).Infof("eager: stop recording %s", tape)
	}
}

// IsGradEnabled returns whether the inputs' gradient requirement is propagated to outputs.
func (ctx *Context) IsGradEnabled() bool { return ctx.gradEnabled }

// NoGrad runs fn with grad mode disabled: outputs of dispatches don't require gradients,
// unless the active tape retains the graph. The previous mode is restored afterwards, also on panics.
func (ctx *Context) NoGrad(fn func() error) error {
	previous := ctx.gradEnabled
	ctx.gradEnabled = false
	defer func() { ctx.gradEnabled = previous }()
	return fn()
}
