package ops

import "github.com/qdann-ml/qdann/internal/tensor"

// GradReverseOp is the gradient-reversal operator used for adversarial
// domain adaptation: the forward pass is the identity, the backward pass
// multiplies the incoming gradient by -coeff.
type GradReverseOp struct {
	input  *tensor.RawTensor
	output *tensor.RawTensor
	coeff  float32
}

// NewGradReverseOp copies x and remembers coeff for the backward pass.
func NewGradReverseOp(x *tensor.RawTensor, coeff float32) *GradReverseOp {
	return &GradReverseOp{input: x, output: x.Clone(), coeff: coeff}
}

// Coeff returns the reversal coefficient.
func (op *GradReverseOp) Coeff() float32 { return op.coeff }

// Backward returns -coeff * outputGrad.
func (op *GradReverseOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.MulScalar(outputGrad, -op.coeff)}
}

// Inputs returns [x].
func (op *GradReverseOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.input} }

// Output returns the copy of x.
func (op *GradReverseOp) Output() *tensor.RawTensor { return op.output }
