// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// dragon_tape trains a small linear regression, y = w*x + b, with eager execution and prints the
// tape recorded for the last step, the learned parameters and a report of the workspace.
//
// Usage:
//
//	dragon_tape -steps=200 -lr=0.05 -backend=cpu -retain_ops
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/awesome-archive/Dragon/backends"
	_ "github.com/awesome-archive/Dragon/backends/cpu"
	"github.com/awesome-archive/Dragon/pkg/core/workspace"
	"github.com/awesome-archive/Dragon/pkg/eager"
)

var (
	flagBackend = flag.String("backend", "",
		fmt.Sprintf("Backend configuration, \"<backend_name>:<config>\". If empty, $%s is used, "+
			"or the first registered backend.", backends.ConfigEnvVar))
	flagSteps     = flag.Int("steps", 100, "Number of training steps.")
	flagLR        = flag.Float64("lr", 0.05, "Learning rate.")
	flagRetainOps = flag.Bool("retain_ops", false, "Name also the non-differentiable operators of the last step.")
	flagNoColor   = flag.Bool("no_color", false, "Disable colors in the output.")
)

// Ground truth of the regression.
const (
	trueW = 2.0
	trueB = 1.0
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagNoColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
	if *flagSteps < 1 {
		klog.Errorf("-steps must be >= 1, got %d", *flagSteps)
		os.Exit(1)
	}

	var backend backends.Backend
	if *flagBackend != "" {
		backend = must.M1(backends.NewWithConfig(*flagBackend))
	} else {
		backend = backends.MustNew()
	}
	defer backend.Finalize()
	ws := must.M1(workspace.New(workspace.WithBackend(backend), workspace.WithName("dragon_tape")))
	defer ws.Finalize()

	if err := train(eager.NewContext(ws)); err != nil {
		klog.Fatalf("Training failed: %+v", err)
	}
}

// model holds the parameters and the training data.
type model struct {
	w, b       *eager.Tensor
	x, y, invN *eager.Tensor
}

func newModel(ctx *eager.Context) (*model, error) {
	const numExamples = 8
	xs, ys := make([]float64, numExamples), make([]float64, numExamples)
	for ii := range xs {
		xs[ii] = float64(ii) / numExamples
		ys[ii] = trueW*xs[ii] + trueB
	}
	m := &model{}
	var err error
	if m.w, err = eager.Variable(ctx, []float64{0}, 1); err != nil {
		return nil, err
	}
	if m.b, err = eager.Variable(ctx, []float64{0}, 1); err != nil {
		return nil, err
	}
	if m.x, err = eager.Constant(ctx, xs, numExamples); err != nil {
		return nil, err
	}
	if m.y, err = eager.Constant(ctx, ys, numExamples); err != nil {
		return nil, err
	}
	if m.invN, err = eager.Scalar(ctx, 1.0/numExamples); err != nil {
		return nil, err
	}
	return m, nil
}

// step runs one forward pass, the backward pass and the in-place update of the parameters.
// It returns the loss.
func (m *model) step(ctx *eager.Context, lr float64) (float64, error) {
	var intermediates []*eager.Tensor
	defer func() {
		for _, t := range intermediates {
			t.Release()
		}
	}()
	keep := func(t *eager.Tensor, err error) (*eager.Tensor, error) {
		if t != nil {
			intermediates = append(intermediates, t)
		}
		return t, err
	}

	// loss = mean((w*x + b - y)^2)
	wx, err := keep(eager.Mul(m.w, m.x))
	if err != nil {
		return 0, err
	}
	pred, err := keep(eager.Add(wx, m.b))
	if err != nil {
		return 0, err
	}
	diff, err := keep(eager.Sub(pred, m.y))
	if err != nil {
		return 0, err
	}
	squared, err := keep(eager.Mul(diff, diff))
	if err != nil {
		return 0, err
	}
	sum, err := keep(eager.ReduceSum(squared))
	if err != nil {
		return 0, err
	}
	loss, err := keep(eager.Mul(sum, m.invN))
	if err != nil {
		return 0, err
	}

	grads, err := ctx.Backward(loss, []*eager.Tensor{m.w, m.b})
	if err != nil {
		return 0, errors.WithMessage(err, "backward")
	}
	for ii, param := range []*eager.Tensor{m.w, m.b} {
		intermediates = append(intermediates, grads[ii])
		if err := eager.AxpyInPlace(-lr, grads[ii], param); err != nil {
			return 0, errors.WithMessagef(err, "updating parameter #%d", ii)
		}
	}
	value, err := eager.ToScalar[float64](loss)
	if err != nil {
		return 0, err
	}
	return value, nil
}

func train(ctx *eager.Context) error {
	m, err := newModel(ctx)
	if err != nil {
		return err
	}
	bar := progressbar.NewOptions(*flagSteps,
		progressbar.OptionSetDescription("Training"),
		progressbar.OptionUseANSICodes(!*flagNoColor),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionClearOnFinish(),
	)
	var loss float64
	for range *flagSteps - 1 {
		if loss, err = m.step(ctx, *flagLR); err != nil {
			return err
		}
		_ = bar.Add(1)
	}

	// Last step is recorded in a tape kept for inspection.
	options := []eager.TapeOption{eager.RetainGraph()}
	if *flagRetainOps {
		options = append(options, eager.RetainOps())
	}
	tape, stop := ctx.StartRecording(options...)
	loss, err = m.step(ctx, *flagLR)
	stop()
	if err != nil {
		return err
	}
	_ = bar.Add(1)
	_ = bar.Finish()

	reportTape(tape)
	tape.Discard()
	reportParams(m, loss)
	reportWorkspace(ctx.Workspace())
	return nil
}

func reportTape(tape *eager.Tape) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Tape of the last step (%d operators)", tape.Len())))
	table := newPlainTable(true, lipgloss.Right, lipgloss.Left)
	table.Headers("#", "Name", "Inputs", "Outputs", "Device")
	for ii, def := range tape.Definitions() {
		dev := "-"
		if def.DeviceOption != nil {
			dev = def.DeviceOption.String()
		}
		table.Row(fmt.Sprintf("%d", ii), def.Name, strings.Join(def.Inputs, ", "),
			strings.Join(def.Outputs, ", "), dev)
	}
	fmt.Println(table.Render())
}

func reportParams(m *model, loss float64) {
	fmt.Println(titleStyle.Render("Parameters"))
	table := newPlainTable(true, lipgloss.Right, lipgloss.Left)
	table.Headers("Name", "Learned", "Target")
	table.Row("w", fmt.Sprintf("%.4f", must.M1(eager.ToScalar[float64](m.w))), fmt.Sprintf("%.4f", trueW))
	table.Row("b", fmt.Sprintf("%.4f", must.M1(eager.ToScalar[float64](m.b))), fmt.Sprintf("%.4f", trueB))
	table.Row("loss", fmt.Sprintf("%.6f", loss), "0")
	fmt.Println(table.Render())
}

func reportWorkspace(ws *workspace.Workspace) {
	fmt.Println(titleStyle.Render("Workspace"))
	table := newPlainTable(false, lipgloss.Right, lipgloss.Left)
	table.Row("name", ws.Name())
	table.Row("backend", ws.Backend().Description())
	table.Row("# tensors", humanize.Comma(int64(len(ws.TensorNames()))))
	table.Row(fmt.Sprintf("# live in %s", workspace.DataScope),
		humanize.Comma(int64(ws.Collector().NumLive(workspace.DataScope))))
	table.Row(fmt.Sprintf("# live in %s", workspace.GraphScope),
		humanize.Comma(int64(ws.Collector().NumLive(workspace.GraphScope))))
	table.Row("# operator names", humanize.Comma(int64(ws.Operators().NumLive())))
	table.Row("memory", humanize.Bytes(uint64(ws.MemoryUsage())))
	fmt.Println(table.Render())
}
