package ops

import "github.com/qdann-ml/qdann/internal/tensor"

// ReLUOp represents output = max(0, x).
//
// Backward pass:
//   - d(ReLU(x))/dx = 1 if x > 0, else 0
type ReLUOp struct {
	input  *tensor.RawTensor
	output *tensor.RawTensor
}

// NewReLUOp creates a new ReLUOp.
func NewReLUOp(input, output *tensor.RawTensor) *ReLUOp {
	return &ReLUOp{input: input, output: output}
}

// Backward masks outputGrad with x > 0.
func (op *ReLUOp) Backward(outputGrad *tensor.RawTensor, _ tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{maskedGrad(outputGrad, op.input, func(v float32) bool { return v > 0 })}
}

// Inputs returns [x].
func (op *ReLUOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.input} }

// Output returns max(0, x).
func (op *ReLUOp) Output() *tensor.RawTensor { return op.output }

// ClampMinOp represents output = max(x, min). The gradient passes where
// x >= min, matching clamp's inclusive boundary.
type ClampMinOp struct {
	input  *tensor.RawTensor
	output *tensor.RawTensor
	lower  float32
}

// NewClampMinOp computes max(x, lower).
func NewClampMinOp(x *tensor.RawTensor, lower float32) *ClampMinOp {
	requireFloat32("clamp", x)
	out := mapFloat32(x, func(v float32) float32 { return max(v, lower) })
	return &ClampMinOp{input: x, output: out, lower: lower}
}

// Backward masks outputGrad with x >= min.
func (op *ClampMinOp) Backward(outputGrad *tensor.RawTensor, _ tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{maskedGrad(outputGrad, op.input, func(v float32) bool { return v >= op.lower })}
}

// Inputs returns [x].
func (op *ClampMinOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.input} }

// Output returns max(x, min).
func (op *ClampMinOp) Output() *tensor.RawTensor { return op.output }

// ExpOp represents output = e^x; grad_x = outputGrad * output.
type ExpOp struct {
	input  *tensor.RawTensor
	output *tensor.RawTensor
}

// NewExpOp creates a new ExpOp.
func NewExpOp(input, output *tensor.RawTensor) *ExpOp {
	return &ExpOp{input: input, output: output}
}

// Backward computes outputGrad * e^x.
func (op *ExpOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.Mul(outputGrad, op.output)}
}

// Inputs returns [x].
func (op *ExpOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.input} }

// Output returns e^x.
func (op *ExpOp) Output() *tensor.RawTensor { return op.output }

// LogOp represents output = ln(x); grad_x = outputGrad / x.
type LogOp struct {
	input  *tensor.RawTensor
	output *tensor.RawTensor
}

// NewLogOp creates a new LogOp.
func NewLogOp(input, output *tensor.RawTensor) *LogOp {
	return &LogOp{input: input, output: output}
}

// Backward computes outputGrad / x.
func (op *LogOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.Div(outputGrad, op.input)}
}

// Inputs returns [x].
func (op *LogOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.input} }

// Output returns ln(x).
func (op *LogOp) Output() *tensor.RawTensor { return op.output }

// SoftmaxOp represents softmax along one dimension.
//
// Backward pass:
//   - grad_x = s * (outputGrad - sum(outputGrad * s, dim))
type SoftmaxOp struct {
	input  *tensor.RawTensor
	output *tensor.RawTensor
	dim    int
}

// NewSoftmaxOp creates a new SoftmaxOp.
func NewSoftmaxOp(input, output *tensor.RawTensor, dim int) *SoftmaxOp {
	return &SoftmaxOp{input: input, output: output, dim: input.Shape().NormalizeDim(dim)}
}

// Backward computes the softmax Jacobian-vector product.
func (op *SoftmaxOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	gs := backend.Mul(outputGrad, op.output)
	sum := backend.SumDim(gs, op.dim, true)
	return []*tensor.RawTensor{backend.Mul(op.output, backend.Sub(outputGrad, sum))}
}

// Inputs returns [x].
func (op *SoftmaxOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.input} }

// Output returns softmax(x).
func (op *SoftmaxOp) Output() *tensor.RawTensor { return op.output }
