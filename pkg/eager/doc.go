// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package eager implements eager execution with automatic differentiation over a workspace.
//
// Every operation is dispatched to the backend right away (see Context.Dispatch and the builder
// returned by Context.Op). Operations that require gradients are also recorded in a Tape: the
// active tape of the Context (see Context.StartRecording), or an instance tape merged from the
// tapes of the inputs. Context.Backward replays a tape in reverse to compute gradients.
//
// Example:
//
//	ctx := eager.NewContext(ws)
//	w := must.M1(eager.Variable(ctx, []float32{1, 2}, 2))
//	x := must.M1(eager.Constant(ctx, []float32{3, 4}, 2))
//	loss := must.M1(eager.ReduceSum(must.M1(eager.Mul(w, x))))
//	grads := must.M1(ctx.Backward(loss, []*eager.Tensor{w}))  // grads[0] = [3, 4]
//
// Tensor handles are reference counted: Tensor.Release returns their ids to the workspace's
// collector. Ids referenced by a live tape are only recycled after the tape is discarded.
//
// Like the workspace, a Context is not safe for concurrent use.
package eager
