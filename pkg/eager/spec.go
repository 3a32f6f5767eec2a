// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package eager

import (
	"fmt"

	"github.com/awesome-archive/Dragon/pkg/core/device"
)

type outputKind int

const (
	outputDevice outputKind = iota
	outputID
	outputTensor
)

// OutputSpec tells Dispatch where to write one output: a fresh tensor allocated on a device,
// an existing handle (reused storage, e.g. in-place operations) or a literal workspace id.
type OutputSpec struct {
	kind   outputKind
	device device.Device
	id     string
	tensor *Tensor
}

// NewOutput requests a fresh output handle placed on the given device.
// Its id is allocated in the scope of the dispatch (see workspace.ResolveScope).
func NewOutput(dev device.Device) OutputSpec {
	return OutputSpec{kind: outputDevice, device: dev}
}

// OutputID writes the output to a literal workspace id. The returned handle doesn't own the id,
// and it is never tracked for gradients: it's assumed to be managed externally.
func OutputID(id string) OutputSpec {
	return OutputSpec{kind: outputID, id: id}
}

// OutputTensor writes the output into an existing handle, keeping its identity. The handle is
// borrowed: Dispatch returns t itself without adding a reference, and the caller keeps owning it.
func OutputTensor(t *Tensor) OutputSpec {
	return OutputSpec{kind: outputTensor, tensor: t}
}

// String implements fmt.Stringer.
func (s OutputSpec) String() string {
	switch s.kind {
	case outputID:
		return fmt.Sprintf("id(%q)", s.id)
	case outputTensor:
		return fmt.Sprintf("tensor(%s)", s.tensor.ID())
	default:
		return fmt.Sprintf("new(%s)", s.device)
	}
}
