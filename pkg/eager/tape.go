// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package eager

import (
	"fmt"
	"slices"
	"sync/atomic"

	"k8s.io/klog/v2"

	"github.com/awesome-archive/Dragon/pkg/core/errs"
	"github.com/awesome-archive/Dragon/pkg/core/opdef"
	"github.com/awesome-archive/Dragon/pkg/core/workspace"
	"github.com/awesome-archive/Dragon/pkg/support/sets"
)

// TapeState is the lifecycle state of a Tape.
type TapeState int

const (
	// TapeEmpty is the state of a new tape, before anything is appended or merged into it.
	TapeEmpty TapeState = iota

	// TapeRecording is the state of a tape with definitions, ready for more or for a backward pass.
	TapeRecording

	// TapeConsumed is the state of a discarded tape: its log was released and nothing can be added.
	TapeConsumed
)

// String implements fmt.Stringer.
func (s TapeState) String() string {
	switch s {
	case TapeEmpty:
		return "empty"
	case TapeRecording:
		return "recording"
	case TapeConsumed:
		return "consumed"
	default:
		return fmt.Sprintf("TapeState(%d)", int(s))
	}
}

// TapeOption configures a Tape created by Context.StartRecording.
type TapeOption func(tape *Tape)

// RetainGraph keeps the tape after a backward pass, so it can be replayed again.
// While such a tape is active, every dispatch is differentiable.
func RetainGraph() TapeOption {
	return func(tape *Tape) { tape.retainGraph = true }
}

// RetainOps makes non-differentiable dispatches still allocate an operator name while the tape is active,
// so they can be inspected.
func RetainOps() TapeOption {
	return func(tape *Tape) { tape.retainOps = true }
}

var tapeCounter atomic.Int64

// Tape is an ordered log of operator definitions that can be replayed in reverse to compute gradients,
// plus the set of gradient ids to ignore.
//
// Every definition in the log pins its input and output ids in the workspace's TensorCollector,
// and its name in the OperatorCollector: they are not recycled until the tape is discarded.
//
// A tape is either owned by the user (created by Context.StartRecording) or an instance tape built
// by a dispatch from the tapes of its inputs. Instance tapes are discarded when the last tensor
// referencing them is released.
type Tape struct {
	id           int64
	ws           *workspace.Workspace
	defs         []*opdef.OperatorDef
	outputs      sets.Set[string]
	watched      sets.Set[string]
	ignoredGrads sets.Set[string]
	retainGraph  bool
	retainOps    bool
	state        TapeState

	refs      int
	userOwned bool

	// keptNames are operator names allocated while the tape was active, but not recorded (see RetainOps).
	keptNames []string
}

func newTape(ws *workspace.Workspace, options ...TapeOption) *Tape {
	tape := &Tape{
		id:           tapeCounter.Add(1),
		ws:           ws,
		outputs:      sets.Make[string](),
		watched:      sets.Make[string](),
		ignoredGrads: sets.Make[string](),
	}
	for _, option := range options {
		option(tape)
	}
	return tape
}

// State of the tape.
func (tape *Tape) State() TapeState { return tape.state }

// RetainsGraph returns whether the tape survives backward passes.
func (tape *Tape) RetainsGraph() bool { return tape.retainGraph }

// RetainsOps returns whether non-differentiable dispatches are named while the tape is active.
func (tape *Tape) RetainsOps() bool { return tape.retainOps }

// Len returns the number of definitions in the log.
func (tape *Tape) Len() int { return len(tape.defs) }

// Definitions returns the log, in execution order. The definitions must not be modified.
func (tape *Tape) Definitions() []*opdef.OperatorDef { return slices.Clone(tape.defs) }

// IgnoredGrads returns the sorted ids whose gradients are not propagated.
func (tape *Tape) IgnoredGrads() []string { return sets.Sorted(tape.ignoredGrads) }

// IgnoreGrads adds ids whose gradients are not propagated.
func (tape *Tape) IgnoreGrads(ids ...string) { tape.ignoredGrads.Insert(ids...) }

// Append adds a definition at the end of the log. It fails with ErrInvalidArgument on a consumed tape.
//
// The definition is stored as is: it must not be modified afterwards (OperatorDef.DeriveTo always
// returns a new one).
func (tape *Tape) Append(def *opdef.OperatorDef) error {
	if tape.state == TapeConsumed {
		return errs.InvalidArgumentf("cannot append %s to %s: the tape was consumed", def.Type, tape)
	}
	tape.add(def)
	return nil
}

func (tape *Tape) add(def *opdef.OperatorDef) {
	tape.defs = append(tape.defs, def)
	tape.outputs.Insert(def.Outputs...)
	tape.ws.Collector().Pin(def.Inputs...)
	tape.ws.Collector().Pin(def.Outputs...)
	tape.ws.Operators().Pin(def.Name)
	tape.state = TapeRecording
}

// MergeFrom appends the whole log of other, in order, and adds its ignored gradients.
//
// Definitions already present are not de-duplicated: merging the same history through different
// paths yields redundant entries, and the backward pass replays each named definition once.
// Merging a nil, empty or consumed tape is a no-op. It fails with ErrInvalidArgument if tape itself
// was consumed.
func (tape *Tape) MergeFrom(other *Tape) error {
	if tape.state == TapeConsumed {
		return errs.InvalidArgumentf("cannot merge into %s: the tape was consumed", tape)
	}
	if other == nil || other == tape {
		return nil
	}
	for _, def := range other.defs {
		tape.add(def)
	}
	tape.ignoredGrads = tape.ignoredGrads.Union(other.ignoredGrads)
	tape.watched = tape.watched.Union(other.watched)
	return nil
}

// Watch marks the tensors as watched: dispatches consuming them while the tape is active are differentiable.
func (tape *Tape) Watch(tensors ...*Tensor) {
	for _, t := range tensors {
		tape.watched.Insert(t.ID())
	}
}

// IsWatched returns whether the tensor was explicitly watched or is an output of a definition in the log.
func (tape *Tape) IsWatched(t *Tensor) bool {
	return tape.watched.Has(t.ID()) || tape.outputs.Has(t.ID())
}

// keepName holds an operator name not recorded in the log, until the tape is discarded.
func (tape *Tape) keepName(name string) {
	tape.ws.Operators().Pin(name)
	tape.keptNames = append(tape.keptNames, name)
}

// Discard drops the log, unpinning its ids and operator names, and moves the tape to TapeConsumed.
// Discarding a consumed tape is a no-op.
func (tape *Tape) Discard() {
	if tape.state == TapeConsumed {
		return
	}
	klog.V(1).Infof("eager: discarding %s", tape)
	for _, def := range tape.defs {
		tape.ws.Collector().Unpin(def.Inputs...)
		tape.ws.Collector().Unpin(def.Outputs...)
		tape.ws.Operators().Unpin(def.Name)
	}
	for _, name := range tape.keptNames {
		tape.ws.Operators().Unpin(name)
	}
	tape.defs = nil
	tape.keptNames = nil
	tape.outputs = sets.Make[string]()
	tape.state = TapeConsumed
}

func (tape *Tape) retain() { tape.refs++ }

func (tape *Tape) release() {
	tape.refs--
	if tape.refs <= 0 && !tape.userOwned {
		tape.Discard()
	}
}

// String implements fmt.Stringer.
func (tape *Tape) String() string {
	return fmt.Sprintf("Tape#%d(%d ops, %s)", tape.id, len(tape.defs), tape.state)
}
