// Package autodiff implements automatic differentiation using the decorator pattern.
//
// AutodiffBackend wraps any Backend implementation and adds gradient
// tracking through a GradientTape.
//
// Architecture:
//   - Decorator pattern: AutodiffBackend[B] wraps any Backend implementation
//   - GradientTape: Records operations during forward pass
//   - Operation interface: Each op implements its backward pass
//   - Reverse-mode AD: Computes gradients with the chain rule
//
// Besides the tensor.Backend methods, AutodiffBackend provides fused
// operations (batch normalization, dropout, quantizers, gradient reversal,
// classification losses) that layers discover through small capability
// interfaces.
//
// Usage:
//
//	backend := autodiff.New(cpu.New())
//	backend.Tape().StartRecording()
//	x, _ := tensor.FromSlice([]float32{2.0}, tensor.Shape{1}, backend)
//	y := x.Mul(x)
//	grads := autodiff.Backward(y, backend)
//	fmt.Println(grads[x.Raw()].AsFloat32()) // [4]
package autodiff

import (
	"math/rand/v2"

	"github.com/qdann-ml/qdann/internal/autodiff/ops"
	"github.com/qdann-ml/qdann/internal/tensor"
)

// AutodiffBackend wraps a Backend and adds automatic differentiation.
// It implements the tensor.Backend interface and records operations in a GradientTape.
type AutodiffBackend[B tensor.Backend] struct {
	inner B
	tape  *GradientTape
}

// New creates a new AutodiffBackend wrapping the given backend.
func New[B tensor.Backend](backend B) *AutodiffBackend[B] {
	return &AutodiffBackend[B]{
		inner: backend,
		tape:  NewGradientTape(),
	}
}

// Tape returns the gradient tape for manual control.
func (b *AutodiffBackend[B]) Tape() *GradientTape {
	return b.tape
}

// Inner returns the wrapped backend for direct access.
func (b *AutodiffBackend[B]) Inner() B {
	return b.inner
}

// NoGrad runs f with recording disabled and restores the previous state.
func (b *AutodiffBackend[B]) NoGrad(f func()) {
	was := b.tape.IsRecording()
	b.tape.StopRecording()
	defer func() {
		if was {
			b.tape.StartRecording()
		}
	}()
	f()
}

// Name returns the backend name.
func (b *AutodiffBackend[B]) Name() string {
	return "Autodiff(" + b.inner.Name() + ")"
}

// Device returns the compute device.
func (b *AutodiffBackend[B]) Device() tensor.Device {
	return b.inner.Device()
}

// record appends op to the tape when recording and returns its output.
func (b *AutodiffBackend[B]) record(op ops.Operation) *tensor.RawTensor {
	if b.tape.IsRecording() {
		b.tape.Record(op)
	}
	return op.Output()
}

// Add performs element-wise addition and records the operation.
func (b *AutodiffBackend[B]) Add(a, c *tensor.RawTensor) *tensor.RawTensor {
	return b.record(ops.NewAddOp(a, c, b.inner.Add(a, c)))
}

// Sub performs element-wise subtraction and records the operation.
func (b *AutodiffBackend[B]) Sub(a, c *tensor.RawTensor) *tensor.RawTensor {
	return b.record(ops.NewSubOp(a, c, b.inner.Sub(a, c)))
}

// Mul performs element-wise multiplication and records the operation.
func (b *AutodiffBackend[B]) Mul(a, c *tensor.RawTensor) *tensor.RawTensor {
	return b.record(ops.NewMulOp(a, c, b.inner.Mul(a, c)))
}

// Div performs element-wise division and records the operation.
func (b *AutodiffBackend[B]) Div(a, c *tensor.RawTensor) *tensor.RawTensor {
	return b.record(ops.NewDivOp(a, c, b.inner.Div(a, c)))
}

// MulScalar multiplies by a constant and records the operation.
func (b *AutodiffBackend[B]) MulScalar(x *tensor.RawTensor, s float32) *tensor.RawTensor {
	return b.record(ops.NewMulScalarOp(x, b.inner.MulScalar(x, s), s))
}

// AddScalar adds a constant and records the operation.
func (b *AutodiffBackend[B]) AddScalar(x *tensor.RawTensor, s float32) *tensor.RawTensor {
	return b.record(ops.NewAddScalarOp(x, b.inner.AddScalar(x, s)))
}

// MatMul performs matrix multiplication and records the operation.
func (b *AutodiffBackend[B]) MatMul(a, c *tensor.RawTensor) *tensor.RawTensor {
	return b.record(ops.NewMatMulOp(a, c, b.inner.MatMul(a, c)))
}

// Reshape changes the shape and records the operation.
func (b *AutodiffBackend[B]) Reshape(t *tensor.RawTensor, newShape tensor.Shape) *tensor.RawTensor {
	return b.record(ops.NewReshapeOp(t, b.inner.Reshape(t, newShape)))
}

// Transpose permutes dimensions and records the operation.
func (b *AutodiffBackend[B]) Transpose(t *tensor.RawTensor, axes ...int) *tensor.RawTensor {
	return b.record(ops.NewTransposeOp(t, b.inner.Transpose(t, axes...), axes))
}

// Narrow slices along one dimension and records the operation.
func (b *AutodiffBackend[B]) Narrow(t *tensor.RawTensor, dim, start, length int) *tensor.RawTensor {
	return b.record(ops.NewNarrowOp(t, b.inner.Narrow(t, dim, start, length), dim, start))
}

// Conv2D performs 2D convolution and records the operation.
func (b *AutodiffBackend[B]) Conv2D(input, kernel *tensor.RawTensor, p tensor.Conv2DParams) *tensor.RawTensor {
	return b.record(ops.NewConv2DOp(input, kernel, b.inner.Conv2D(input, kernel, p), p))
}

// Conv2DInputBackward delegates to the inner backend without recording.
func (b *AutodiffBackend[B]) Conv2DInputBackward(input, kernel, grad *tensor.RawTensor, p tensor.Conv2DParams) *tensor.RawTensor {
	return b.inner.Conv2DInputBackward(input, kernel, grad, p)
}

// Conv2DKernelBackward delegates to the inner backend without recording.
func (b *AutodiffBackend[B]) Conv2DKernelBackward(input, kernel, grad *tensor.RawTensor, p tensor.Conv2DParams) *tensor.RawTensor {
	return b.inner.Conv2DKernelBackward(input, kernel, grad, p)
}

// MaxPool2D performs max pooling and records the operation.
func (b *AutodiffBackend[B]) MaxPool2D(input *tensor.RawTensor, p tensor.Pool2DParams) *tensor.RawTensor {
	return b.record(ops.NewMaxPool2DOp(input, b.inner.MaxPool2D(input, p), p))
}

// MaxPool2DBackward delegates to the inner backend without recording.
func (b *AutodiffBackend[B]) MaxPool2DBackward(input, grad *tensor.RawTensor, p tensor.Pool2DParams) *tensor.RawTensor {
	return b.inner.MaxPool2DBackward(input, grad, p)
}

// ReLU applies max(0, x) and records the operation.
func (b *AutodiffBackend[B]) ReLU(x *tensor.RawTensor) *tensor.RawTensor {
	return b.record(ops.NewReLUOp(x, b.inner.ReLU(x)))
}

// Exp applies e^x and records the operation.
func (b *AutodiffBackend[B]) Exp(x *tensor.RawTensor) *tensor.RawTensor {
	return b.record(ops.NewExpOp(x, b.inner.Exp(x)))
}

// Log applies ln(x) and records the operation.
func (b *AutodiffBackend[B]) Log(x *tensor.RawTensor) *tensor.RawTensor {
	return b.record(ops.NewLogOp(x, b.inner.Log(x)))
}

// Softmax normalizes along dim and records the operation.
func (b *AutodiffBackend[B]) Softmax(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	return b.record(ops.NewSoftmaxOp(x, b.inner.Softmax(x, dim), dim))
}

// Sum reduces to a scalar and records the operation.
func (b *AutodiffBackend[B]) Sum(x *tensor.RawTensor) *tensor.RawTensor {
	return b.record(ops.NewSumOp(x, b.inner.Sum(x)))
}

// SumDim sums along dim and records the operation.
func (b *AutodiffBackend[B]) SumDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	return b.record(ops.NewSumDimOp(x, b.inner.SumDim(x, dim, keepDim), dim))
}

// MeanDim averages along dim and records the operation.
func (b *AutodiffBackend[B]) MeanDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	return b.record(ops.NewMeanDimOp(x, b.inner.MeanDim(x, dim, keepDim), dim))
}

// Argmax is not differentiable and is never recorded.
func (b *AutodiffBackend[B]) Argmax(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	return b.inner.Argmax(x, dim)
}

// ClampMin computes max(x, lower) and records the operation.
func (b *AutodiffBackend[B]) ClampMin(x *tensor.RawTensor, lower float32) *tensor.RawTensor {
	return b.record(ops.NewClampMinOp(x, lower))
}

// BatchNorm normalizes per channel and records the operation.
func (b *AutodiffBackend[B]) BatchNorm(x, gamma, beta *tensor.RawTensor, cfg ops.BatchNormConfig) *tensor.RawTensor {
	return b.record(ops.NewBatchNormOp(x, gamma, beta, cfg))
}

// Dropout applies inverted dropout and records the operation.
func (b *AutodiffBackend[B]) Dropout(x *tensor.RawTensor, p float32, rng *rand.Rand) *tensor.RawTensor {
	return b.record(ops.NewDropoutOp(x, p, rng))
}

// CrossEntropy computes the mean cross-entropy loss and records the operation.
func (b *AutodiffBackend[B]) CrossEntropy(logits, targets *tensor.RawTensor) *tensor.RawTensor {
	return b.record(ops.NewCrossEntropyOp(logits, targets))
}

// NLLLoss computes the mean negative log-likelihood and records the operation.
func (b *AutodiffBackend[B]) NLLLoss(input, targets *tensor.RawTensor) *tensor.RawTensor {
	return b.record(ops.NewNLLLossOp(input, targets))
}

// GradReverse is the identity in the forward pass; its recorded backward
// pass multiplies the gradient by -coeff.
func (b *AutodiffBackend[B]) GradReverse(x *tensor.RawTensor, coeff float32) *tensor.RawTensor {
	return b.record(ops.NewGradReverseOp(x, coeff))
}

// FakeQuant quantizes activations with a straight-through backward pass.
func (b *AutodiffBackend[B]) FakeQuant(x *tensor.RawTensor, bits int) *tensor.RawTensor {
	return b.record(ops.NewFakeQuantOp(x, bits))
}

// WeightQuant quantizes weights with a straight-through backward pass.
func (b *AutodiffBackend[B]) WeightQuant(w *tensor.RawTensor, bits int) *tensor.RawTensor {
	return b.record(ops.NewWeightQuantOp(w, bits))
}
