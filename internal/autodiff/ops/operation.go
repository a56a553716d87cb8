// Package ops defines the differentiable operations recorded on a gradient tape.
//
// Each operation implements the Operation interface, which provides:
//   - Forward pass: computed by the backend, or by the op constructor for
//     fused operations the backend interface does not cover
//   - Backward pass: computes gradients for inputs given output gradient
//
// Arithmetic and shape ops receive a forward result from the backend
// (NewAddOp(a, b, out)). Fused ops compute their own forward result from
// float32 data (NewBatchNormOp, NewFakeQuantOp, NewGradReverseOp, ...) so
// layers can call them directly when no tape is present.
package ops

import "github.com/qdann-ml/qdann/internal/tensor"

// Operation represents a differentiable operation in the computation graph.
// Each operation records its inputs and output during the forward pass,
// and computes input gradients during the backward pass.
type Operation interface {
	// Backward computes gradients for inputs given the output gradient.
	// Returns a slice of gradients corresponding to each input tensor;
	// a nil entry means no gradient flows to that input.
	Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor

	// Inputs returns the input tensors for this operation.
	Inputs() []*tensor.RawTensor

	// Output returns the output tensor produced by this operation.
	Output() *tensor.RawTensor
}
