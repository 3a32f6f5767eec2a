// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cpu implements a simple, and not very fast, but portable reference backend for Dragon.
//
// It runs each operator synchronously on the calling goroutine, with kernels written in plain Go.
// It only implements the operators needed by the eager engine and its gradients, for the most popular
// dtypes. Kernels panic on bad inputs, and RunOperator converts the panics to errors wrapping
// errs.ErrBackendExecution.
package cpu

import (
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/awesome-archive/Dragon/backends"
	"github.com/awesome-archive/Dragon/pkg/core/errs"
	"github.com/awesome-archive/Dragon/pkg/core/opdef"
	"github.com/awesome-archive/Dragon/pkg/core/tensors"
)

// BackendName to be used in DRAGON_BACKEND to specify this backend.
const BackendName = "cpu"

// Registers New() as the constructor for the "cpu" backend.
func init() {
	backends.Register(BackendName, New)
}

// New constructs a new CPU Backend.
//
// The config is a comma-separated list of key=value pairs. The only key is "devices", the number of
// CPU device indices accepted in operator device options (default 1).
func New(config string) (backends.Backend, error) {
	b := &Backend{numDevices: 1}
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		switch key {
		case "devices":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 || n > opdef.MaxDevicesPerType {
				return nil, errs.InvalidArgumentf("cpu backend: invalid devices=%q, it must be in [1, %d]",
					value, opdef.MaxDevicesPerType)
			}
			b.numDevices = n
		default:
			return nil, errs.InvalidArgumentf("cpu backend: unknown configuration key %q in %q", key, config)
		}
	}
	return b, nil
}

// Backend implements the backends.Backend interface.
type Backend struct {
	numDevices int
	finalized  bool
}

// Compile-time check that cpu.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return "Reference Go CPU Backend (devices=" + strconv.Itoa(b.numDevices) + ")"
}

// NumDevices return the number of CPU device indices accepted.
func (b *Backend) NumDevices() int { return b.numDevices }

// Finalize makes the backend invalid.
func (b *Backend) Finalize() { b.finalized = true }

// kernel executes one operator type. It panics on errors.
type kernel func(kc *kernelContext)

// kernels maps operator types to their kernels. Filled during initialization by the exec_*.go files.
var kernels = make(map[string]kernel)

// HasKernel returns whether the backend implements the operator type.
func HasKernel(opType string) bool {
	_, found := kernels[opType]
	return found
}

// RunOperator implements backends.Backend.
func (b *Backend) RunOperator(def *opdef.OperatorDef, store backends.Store) error {
	if b.finalized {
		return errs.BackendExecutionf("cpu backend already finalized, cannot run %s", def.Type)
	}
	k, found := kernels[def.Type]
	if !found {
		return errs.BackendExecutionf("cpu backend has no kernel for operator type %q", def.Type)
	}
	if option := def.DeviceOption; option != nil {
		if option.DeviceType() != opdef.CPU || option.DeviceID() >= b.numDevices {
			return errs.BackendExecutionf("cpu backend (%d devices) cannot run %s on %s",
				b.numDevices, def.Type, option)
		}
	}
	err := exceptions.TryCatch[error](func() {
		k(&kernelContext{backend: b, def: def, store: store})
	})
	if err != nil {
		if klog.V(2).Enabled() {
			klog.Infof("cpu kernel failed for %s: %+v", def, err)
		}
		return errs.BackendExecutionf("cpu kernel %s (%s) failed: %v", def.Type, def.Name, err)
	}
	return nil
}

// kernelContext gives a kernel access to its operator definition and to the storage.
type kernelContext struct {
	backend *Backend
	def     *opdef.OperatorDef
	store   backends.Store
}

// checkArity panics if the number of inputs or outputs doesn't match.
func (kc *kernelContext) checkArity(numInputs, numOutputs int) {
	if len(kc.def.Inputs) != numInputs || len(kc.def.Outputs) != numOutputs {
		exceptions.Panicf("%s takes %d inputs and %d outputs, got %d and %d",
			kc.def.Type, numInputs, numOutputs, len(kc.def.Inputs), len(kc.def.Outputs))
	}
}

// input returns the materialized input storage.
func (kc *kernelContext) input(idx int) *tensors.Tensor {
	t := must.M1(kc.store.Tensor(kc.def.Inputs[idx]))
	if !t.IsMaterialized() {
		exceptions.Panicf("%s: input #%d (%q) has no value", kc.def.Type, idx, t.Name())
	}
	return t
}

// output returns the output storage, or nil if the output id is empty (not needed).
func (kc *kernelContext) output(idx int) *tensors.Tensor {
	name := kc.def.Outputs[idx]
	if name == "" {
		return nil
	}
	return must.M1(kc.store.Tensor(name))
}

func (kc *kernelContext) intArg(name string, defaultValue int64) int64 {
	return must.M1(kc.def.IntArg(name, defaultValue))
}

func (kc *kernelContext) floatArg(name string, defaultValue float64) float64 {
	return must.M1(kc.def.FloatArg(name, defaultValue))
}

func (kc *kernelContext) stringArg(name, defaultValue string) string {
	return must.M1(kc.def.StringArg(name, defaultValue))
}
