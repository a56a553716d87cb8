// Copyright 2025 The qdann Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package autodiff provides reverse-mode automatic differentiation.
//
// The autodiff backend wraps any backend and records every operation on a
// gradient tape while recording is on. Backward walks the tape in reverse.
//
// Example:
//
//	import (
//	    "github.com/qdann-ml/qdann/autodiff"
//	    "github.com/qdann-ml/qdann/backend/cpu"
//	    "github.com/qdann-ml/qdann/tensor"
//	)
//
//	func main() {
//	    backend := autodiff.New(cpu.New())
//	    backend.Tape().StartRecording()
//
//	    x, _ := tensor.FromSlice([]float32{2}, tensor.Shape{1}, backend)
//	    y := x.Mul(x)
//	    grads := autodiff.Backward(y, backend)
//	    _ = grads[x.Raw()].AsFloat32() // [4]
//	}
package autodiff

import (
	"github.com/qdann-ml/qdann/internal/autodiff"
	"github.com/qdann-ml/qdann/internal/tensor"
)

// Backend is the autodiff-enabled backend.
type Backend[B tensor.Backend] = autodiff.AutodiffBackend[B]

// New creates a new autodiff backend wrapping the given backend.
func New[B tensor.Backend](backend B) *Backend[B] {
	return autodiff.New(backend)
}

// GradientTape records operations for automatic differentiation.
type GradientTape = autodiff.GradientTape

// BackwardCapable interface for backends that support backpropagation.
type BackwardCapable = autodiff.BackwardCapable

// Backward computes the gradients of t with respect to every tensor
// recorded on the tape since recording started.
func Backward[T tensor.DType, B BackwardCapable](t *tensor.Tensor[T, B], backend B) map[*tensor.RawTensor]*tensor.RawTensor {
	return autodiff.Backward(t, backend)
}
