// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package eager

import (
	"github.com/gomlx/exceptions"

	"github.com/awesome-archive/Dragon/pkg/core/opdef"
)

// GradientMaker emits the definitions computing the gradients of the inputs of a recorded operator,
// given the gradients of its outputs. See GradientContext.
type GradientMaker func(g *GradientContext) error

var gradientMakers = make(map[string]GradientMaker)

// RegisterGradient registers the gradient maker for an operator type, replacing any previous one.
// It's meant to be called from package init functions.
func RegisterGradient(opType string, maker GradientMaker) {
	if maker == nil {
		exceptions.Panicf("RegisterGradient(%q): nil maker", opType)
	}
	gradientMakers[opType] = maker
}

// HasGradient returns whether a gradient maker is registered for the operator type.
func HasGradient(opType string) bool {
	_, found := gradientMakers[opType]
	return found
}

// GradientContext is given to a GradientMaker for one recorded definition during a backward pass.
type GradientContext struct {
	// Def is the recorded forward definition.
	Def *opdef.OperatorDef

	outputGrads []string
	needsGrad   []bool
	inputGrads  []string
	alloc       func() (string, error)
	emitted     []*opdef.OperatorDef
	err         error
}

// OutputGrad returns the id of the gradient of the forward output #i, or "" if no gradient flows into it.
func (g *GradientContext) OutputGrad(i int) string { return g.outputGrads[i] }

// InputGrad returns the id where the gradient of the forward input #i must be written,
// or "" if it's not needed (ignored, or not on a path to any requested source).
//
// The id is allocated on the first call. The backward pass accumulates it into the input's gradient.
func (g *GradientContext) InputGrad(i int) string {
	if !g.needsGrad[i] || g.err != nil {
		return ""
	}
	if g.inputGrads[i] == "" {
		id, err := g.alloc()
		if err != nil {
			g.err = err
			return ""
		}
		g.inputGrads[i] = id
	}
	return g.inputGrads[i]
}

// Emit adds a gradient definition, run in the order emitted, on the device of the forward definition.
func (g *GradientContext) Emit(def *opdef.OperatorDef) {
	g.emitted = append(g.emitted, def.WithDevice(g.Def.DeviceOption))
}

func init() {
	for _, opType := range []string{"Add", "Sub", "Mul", "Div"} {
		RegisterGradient(opType, binaryGradient)
	}
	RegisterGradient("Neg", passThroughGradient("Neg"))
	RegisterGradient("Copy", passThroughGradient("Copy"))
	RegisterGradient("Relu", outputBasedGradient("ReluGradient"))
	RegisterGradient("Exp", outputBasedGradient("ExpGradient"))
	RegisterGradient("ReduceSum", func(g *GradientContext) error {
		if dx := g.InputGrad(0); dx != "" {
			g.Emit(opdef.New("ReduceSumGradient").DeriveTo(
				[]string{g.Def.Inputs[0], g.OutputGrad(0)}, []string{dx}))
		}
		return nil
	})
}

// binaryGradient uses the "<type>Gradient" kernels: inputs [a, b, dy], outputs [da, db].
func binaryGradient(g *GradientContext) error {
	da, db := g.InputGrad(0), g.InputGrad(1)
	if da == "" && db == "" {
		return nil
	}
	g.Emit(opdef.New(g.Def.Type+"Gradient").DeriveTo(
		[]string{g.Def.Inputs[0], g.Def.Inputs[1], g.OutputGrad(0)}, []string{da, db}))
	return nil
}

// passThroughGradient applies opType to the output gradient: dx = op(dy).
func passThroughGradient(opType string) GradientMaker {
	return func(g *GradientContext) error {
		if dx := g.InputGrad(0); dx != "" {
			g.Emit(opdef.New(opType).DeriveTo([]string{g.OutputGrad(0)}, []string{dx}))
		}
		return nil
	}
}

// outputBasedGradient uses a kernel computing dx from the forward output: inputs [y, dy], outputs [dx].
func outputBasedGradient(gradType string) GradientMaker {
	return func(g *GradientContext) error {
		if dx := g.InputGrad(0); dx != "" {
			g.Emit(opdef.New(gradType).DeriveTo([]string{g.Def.Outputs[0], g.OutputGrad(0)}, []string{dx}))
		}
		return nil
	}
}
