// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workspace implements the Workspace: the owner of the physical storage of tensors, the
// tensor and operator name collectors, and the gateway to the backend that runs operators.
//
// A Workspace is not safe for concurrent use: it assumes a single active goroutine. Use one
// workspace per worker for parallel work.
package workspace

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/awesome-archive/Dragon/backends"
	"github.com/awesome-archive/Dragon/pkg/core/errs"
	"github.com/awesome-archive/Dragon/pkg/core/opdef"
	"github.com/awesome-archive/Dragon/pkg/core/shapes"
	"github.com/awesome-archive/Dragon/pkg/core/tensors"
)

// AnchorPlaceholder in a string argument is replaced by the operator's instance name. See ResolveAnchor.
const AnchorPlaceholder = "${ANCHOR}"

// Workspace owns the storage table of tensors and the collectors that name them.
type Workspace struct {
	name        string
	backend     backends.Backend
	ownsBackend bool
	maxTensors  int

	storage   map[string]*tensors.Tensor
	collector *TensorCollector
	operators *OperatorCollector
}

// Option configures a Workspace in New.
type Option func(ws *Workspace)

// WithName sets the name of the workspace. The default is a random UUID.
func WithName(name string) Option {
	return func(ws *Workspace) { ws.name = name }
}

// WithMaxTensors sets the ceiling of live tensor ids. Allocations beyond it fail with ErrAllocation.
// The default 0 means no limit.
func WithMaxTensors(maxTensors int) Option {
	return func(ws *Workspace) { ws.maxTensors = maxTensors }
}

// WithBackend sets the backend used to run operators. The caller keeps ownership of it.
// The default is backends.New(), owned (and finalized) by the workspace.
func WithBackend(backend backends.Backend) Option {
	return func(ws *Workspace) { ws.backend = backend }
}

// New creates a Workspace.
func New(options ...Option) (*Workspace, error) {
	ws := &Workspace{
		name:      uuid.NewString(),
		storage:   make(map[string]*tensors.Tensor),
		operators: NewOperatorCollector(),
	}
	for _, option := range options {
		option(ws)
	}
	if ws.maxTensors < 0 {
		return nil, errs.InvalidArgumentf("workspace.WithMaxTensors(%d): must be >= 0", ws.maxTensors)
	}
	ws.collector = NewTensorCollector(ws.maxTensors)
	if ws.backend == nil {
		backend, err := backends.New()
		if err != nil {
			return nil, errors.WithMessagef(err, "workspace %q", ws.name)
		}
		ws.backend = backend
		ws.ownsBackend = true
	}
	klog.V(1).Infof("workspace %q created on backend %q", ws.name, ws.backend.Name())
	return ws, nil
}

// Name of the workspace.
func (ws *Workspace) Name() string { return ws.name }

// Backend used to run operators.
func (ws *Workspace) Backend() backends.Backend { return ws.backend }

// Collector returns the tensor id collector.
func (ws *Workspace) Collector() *TensorCollector { return ws.collector }

// Operators returns the operator name collector.
func (ws *Workspace) Operators() *OperatorCollector { return ws.operators }

// CreateTensor returns the storage slot with the given name, creating an empty one if it doesn't exist.
func (ws *Workspace) CreateTensor(name string) *tensors.Tensor {
	if t, found := ws.storage[name]; found {
		return t
	}
	t := tensors.New(name)
	ws.storage[name] = t
	return t
}

// AllocTensor allocates a new id in the scope and creates its (empty) storage.
func (ws *Workspace) AllocTensor(scope Scope) (*tensors.Tensor, error) {
	id, err := ws.collector.Alloc(scope)
	if err != nil {
		return nil, err
	}
	return ws.CreateTensor(id), nil
}

// HasTensor returns whether a storage slot with the given name exists.
func (ws *Workspace) HasTensor(name string) bool {
	_, found := ws.storage[name]
	return found
}

// Tensor returns the storage slot with the given name, or an ErrLookup error.
func (ws *Workspace) Tensor(name string) (*tensors.Tensor, error) {
	t, found := ws.storage[name]
	if !found {
		return nil, errs.Lookupf("tensor %q does not exist in workspace %q", name, ws.name)
	}
	return t, nil
}

// DeleteTensor frees and removes the storage slot. It is a no-op if it doesn't exist.
func (ws *Workspace) DeleteTensor(name string) {
	if t, found := ws.storage[name]; found {
		t.Finalize()
		delete(ws.storage, name)
	}
}

// FeedTensor copies the value into the storage slot with the given name, creating it if needed.
func (ws *Workspace) FeedTensor(name string, value *tensors.Tensor) error {
	return ws.CreateTensor(name).CopyFrom(value)
}

// SetArgumentInt64 stores the scalar int64 value under the given name, where an operator reads its
// deferred (anchored) arguments from. See ResolveAnchor.
func (ws *Workspace) SetArgumentInt64(name string, value int64) {
	t := ws.CreateTensor(name)
	t.Reset(shapes.Scalar[int64]())
	t.Flat().([]int64)[0] = value
}

// TensorNames returns the sorted names of all storage slots.
func (ws *Workspace) TensorNames() []string {
	names := make([]string, 0, len(ws.storage))
	for name := range ws.storage {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// RunOperator runs the operator synchronously on the backend.
//
// All inputs must exist (ErrLookup otherwise). Output storage is created if missing; an empty output id
// means the output is not needed. Backend errors are returned unchanged.
func (ws *Workspace) RunOperator(def *opdef.OperatorDef) error {
	for _, input := range def.Inputs {
		if !ws.HasTensor(input) {
			return errs.Lookupf("operator %s: input %q does not exist in workspace %q", def.Type, input, ws.name)
		}
	}
	for _, output := range def.Outputs {
		if output != "" {
			ws.CreateTensor(output)
		}
	}
	if klog.V(2).Enabled() {
		klog.Infof("workspace %q: run %s", ws.name, def)
	}
	return ws.backend.RunOperator(def, ws)
}

// MemoryUsage returns the number of bytes held by materialized storage.
func (ws *Workspace) MemoryUsage() uintptr {
	var total uintptr
	for _, t := range ws.storage {
		total += t.Memory()
	}
	return total
}

// String implements fmt.Stringer with a short report of the workspace usage.
func (ws *Workspace) String() string {
	return fmt.Sprintf("Workspace %q: %d tensors (%d live in %s, %d live in %s), %d operators, %s",
		ws.name, len(ws.storage),
		ws.collector.NumLive(DataScope), DataScope, ws.collector.NumLive(GraphScope), GraphScope,
		ws.operators.NumLive(), humanize.Bytes(uint64(ws.MemoryUsage())))
}

// Finalize frees all storage, and the backend if it is owned by the workspace.
// The workspace is invalid afterward.
func (ws *Workspace) Finalize() {
	for _, t := range ws.storage {
		t.Finalize()
	}
	ws.storage = nil
	if ws.ownsBackend && ws.backend != nil {
		ws.backend.Finalize()
	}
	ws.backend = nil
	klog.V(1).Infof("workspace %q finalized", ws.name)
}

// ResolveAnchor returns the name of the tensor holding a deferred argument value: the placeholder
// AnchorPlaceholder in desc is replaced by the operator's instance name.
//
// E.g.: ResolveAnchor("Crop_0", "${ANCHOR}/starts[1]") returns "Crop_0/starts[1]".
func ResolveAnchor(opName, desc string) string {
	return strings.ReplaceAll(desc, AnchorPlaceholder, opName)
}

// ReadAnchoredInts resolves each descriptor with ResolveAnchor and reads the scalar integer stored
// under the resulting name. Missing values are ErrLookup errors.
func ReadAnchoredInts(store backends.Store, opName string, descs []string) ([]int64, error) {
	values := make([]int64, len(descs))
	for ii, desc := range descs {
		name := ResolveAnchor(opName, desc)
		t, err := store.Tensor(name)
		if err != nil {
			return nil, err
		}
		if !t.IsMaterialized() || !t.DType().IsInt() {
			return nil, errs.InvalidArgumentf("deferred argument %q of %s is not an integer scalar", name, opName)
		}
		values[ii], err = tensors.ToScalar[int64](t)
		if err != nil {
			return nil, errors.WithMessagef(err, "deferred argument of %s", opName)
		}
	}
	return values, nil
}
