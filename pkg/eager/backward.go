// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package eager

import (
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/awesome-archive/Dragon/pkg/core/errs"
	"github.com/awesome-archive/Dragon/pkg/core/opdef"
	"github.com/awesome-archive/Dragon/pkg/core/workspace"
	"github.com/awesome-archive/Dragon/pkg/support/sets"
)

// Backward computes the gradients of target with respect to each of the sources, by replaying in reverse
// the tape that governs target. The gradient of target itself is seeded with ones.
//
// It returns one gradient handle per source, owned by the caller, or nil for sources with no path from
// target (or whose gradient is ignored). Gradient operators run immediately and are never recorded.
//
// Redundant entries of the log, from merged tapes, are replayed once. Unless the tape retains the graph,
// it's discarded afterwards, and its graph-scope ids are recycled once their handles are released.
//
// Errors: ErrInvalidArgument if target wasn't produced by a recorded operation or its tape was already
// consumed, ErrLookup if an operator on the path has no registered gradient, and backend errors of the
// gradient operators. The tape is kept on errors.
func (ctx *Context) Backward(target *Tensor, sources []*Tensor) ([]*Tensor, error) {
	if target == nil || target.IsReleased() {
		return nil, errs.InvalidArgumentf("Backward: target is nil or was released")
	}
	tape := target.Tape()
	if tape == nil {
		return nil, errs.InvalidArgumentf("Backward: %s was not produced by a recorded operation", target)
	}
	if tape.State() == TapeConsumed {
		return nil, errs.InvalidArgumentf("Backward: %s was already consumed, record with RetainGraph() to "+
			"run more than one backward pass", tape)
	}

	b := &backwardPass{
		ctx:     ctx,
		grads:   make(map[string]string),
		ignored: tape.ignoredGrads.Union(target.ignoredGrads),
		sources: sets.Make[string](),
		tape:    tape,
	}
	for _, source := range sources {
		if source != nil {
			b.sources.Insert(source.ID())
		}
	}
	results, err := b.run(target, sources)
	if err != nil {
		b.releaseAll()
		return nil, err
	}
	if !tape.retainGraph {
		tape.Discard()
	}
	return results, nil
}

// backwardPass holds the state of one Context.Backward call.
type backwardPass struct {
	ctx     *Context
	tape    *Tape
	grads   map[string]string // forward id -> gradient id
	ignored sets.Set[string]
	sources sets.Set[string]
}

func (b *backwardPass) ws() *workspace.Workspace { return b.ctx.ws }

func (b *backwardPass) allocGrad() (string, error) {
	storage, err := b.ws().AllocTensor(workspace.DataScope)
	if err != nil {
		return "", err
	}
	return storage.Name(), nil
}

func (b *backwardPass) run(target *Tensor, sources []*Tensor) ([]*Tensor, error) {
	seed, err := b.allocGrad()
	if err != nil {
		return nil, err
	}
	b.grads[target.ID()] = seed
	seedDef := opdef.New("OnesLike").DeriveTo([]string{target.ID()}, []string{seed})
	if err := b.ws().RunOperator(seedDef); err != nil {
		return nil, err
	}

	for _, def := range b.replayOrder() {
		if err := b.replay(def); err != nil {
			return nil, err
		}
	}

	results := make([]*Tensor, len(sources))
	returned := sets.Make[string]()
	for ii, source := range sources {
		if source == nil || b.ignored.Has(source.ID()) {
			continue
		}
		id, found := b.grads[source.ID()]
		if !found {
			continue
		}
		if returned.Has(id) {
			// Same source given twice: the gradient is copied, so each handle owns its id.
			copyID, err := b.allocGrad()
			if err != nil {
				return nil, err
			}
			if err := b.ws().RunOperator(opdef.New("Copy").DeriveTo([]string{id}, []string{copyID})); err != nil {
				b.ws().Collector().Release(copyID)
				return nil, err
			}
			id = copyID
		}
		returned.Insert(id)
		results[ii] = newTensor(b.ctx, id, source.Device(), true)
	}
	for _, id := range b.grads {
		if !returned.Has(id) {
			b.ws().Collector().Release(id)
		}
	}
	b.grads = nil
	return results, nil
}

// replayOrder returns the log in reverse, with each named definition once, at its first position:
// since the log is a concatenation of logs in execution order, every producer precedes all consumers.
func (b *backwardPass) replayOrder() []*opdef.OperatorDef {
	seen := sets.Make[string]()
	order := make([]*opdef.OperatorDef, 0, len(b.tape.defs))
	for _, def := range b.tape.defs {
		if def.Name != "" {
			if seen.Has(def.Name) {
				continue
			}
			seen.Insert(def.Name)
		}
		order = append(order, def)
	}
	slices.Reverse(order)
	return order
}

// replay runs the gradient definitions of one forward definition, and accumulates the input gradients.
func (b *backwardPass) replay(def *opdef.OperatorDef) error {
	g := &GradientContext{
		Def:         def,
		outputGrads: make([]string, len(def.Outputs)),
		needsGrad:   make([]bool, len(def.Inputs)),
		inputGrads:  make([]string, len(def.Inputs)),
		alloc:       b.allocGrad,
	}
	flowing := false
	for ii, output := range def.Outputs {
		if b.ignored.Has(output) {
			continue
		}
		if id, found := b.grads[output]; found {
			g.outputGrads[ii] = id
			flowing = true
		}
	}
	if !flowing {
		return nil
	}
	anyNeeded := false
	for ii, input := range def.Inputs {
		g.needsGrad[ii] = !b.ignored.Has(input) && (b.sources.Has(input) || b.tape.outputs.Has(input))
		anyNeeded = anyNeeded || g.needsGrad[ii]
	}
	if !anyNeeded {
		return nil
	}
	maker, found := gradientMakers[def.Type]
	if !found {
		return errs.Lookupf("no gradient registered for operator %s (%s)", def.Type, def.Name)
	}
	err := maker(g)
	if err == nil {
		err = g.err
	}
	if err != nil {
		b.releaseIDs(g.inputGrads)
		return errors.WithMessagef(err, "gradient of %s", def.Name)
	}
	for _, gradDef := range g.emitted {
		if klog.V(2).Enabled() {
			klog.Infof("eager: backward %s", gradDef)
		}
		if err := b.ws().RunOperator(gradDef); err != nil {
			b.releaseIDs(g.inputGrads)
			return err
		}
	}
	for ii, gradID := range g.inputGrads {
		if gradID == "" {
			continue
		}
		if err := b.accumulate(def.Inputs[ii], gradID); err != nil {
			return err
		}
	}
	return nil
}

// accumulate adds the gradient gradID to the gradient of the forward id.
func (b *backwardPass) accumulate(id, gradID string) error {
	current, found := b.grads[id]
	if !found {
		b.grads[id] = gradID
		return nil
	}
	def := opdef.New("Add").DeriveTo([]string{current, gradID}, []string{current})
	err := b.ws().RunOperator(def)
	b.ws().Collector().Release(gradID)
	return err
}

func (b *backwardPass) releaseIDs(ids []string) {
	for _, id := range ids {
		if id != "" {
			b.ws().Collector().Release(id)
		}
	}
}

func (b *backwardPass) releaseAll() {
	for _, id := range b.grads {
		b.ws().Collector().Release(id)
	}
	b.grads = nil
}
