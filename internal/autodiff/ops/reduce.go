package ops

import "github.com/qdann-ml/qdann/internal/tensor"

// SumOp represents the reduction of every element into a scalar.
// The scalar gradient is broadcast back to the input shape.
type SumOp struct {
	input  *tensor.RawTensor
	output *tensor.RawTensor
}

// NewSumOp creates a new SumOp.
func NewSumOp(input, output *tensor.RawTensor) *SumOp {
	return &SumOp{input: input, output: output}
}

// Backward fills the input shape with the output gradient.
func (op *SumOp) Backward(outputGrad *tensor.RawTensor, _ tensor.Backend) []*tensor.RawTensor {
	g := outputGrad.AsFloat32()[0]
	return []*tensor.RawTensor{mapFloat32(op.input, func(float32) float32 { return g })}
}

// Inputs returns [x].
func (op *SumOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.input} }

// Output returns sum(x).
func (op *SumOp) Output() *tensor.RawTensor { return op.output }

// ReduceDimOp represents a sum or mean along one dimension.
// The gradient is broadcast back along the reduced dimension and scaled
// by 1/n for a mean.
type ReduceDimOp struct {
	input  *tensor.RawTensor
	output *tensor.RawTensor
	dim    int
	mean   bool
}

// NewSumDimOp creates a ReduceDimOp for SumDim.
func NewSumDimOp(input, output *tensor.RawTensor, dim int) *ReduceDimOp {
	return &ReduceDimOp{input: input, output: output, dim: input.Shape().NormalizeDim(dim)}
}

// NewMeanDimOp creates a ReduceDimOp for MeanDim.
func NewMeanDimOp(input, output *tensor.RawTensor, dim int) *ReduceDimOp {
	return &ReduceDimOp{input: input, output: output, dim: input.Shape().NormalizeDim(dim), mean: true}
}

// Backward broadcasts outputGrad over the reduced dimension.
func (op *ReduceDimOp) Backward(outputGrad *tensor.RawTensor, _ tensor.Backend) []*tensor.RawTensor {
	shape := op.input.Shape()
	outer, n, inner := shape.Split(op.dim)
	scale := float32(1)
	if op.mean {
		scale = 1 / float32(n)
	}

	grad := newLike(op.input)
	dst, src := grad.AsFloat32(), outputGrad.AsFloat32()
	for o := 0; o < outer; o++ {
		for j := 0; j < n; j++ {
			row := dst[(o*n+j)*inner:][:inner]
			for i := range row {
				row[i] = src[o*inner+i] * scale
			}
		}
	}
	return []*tensor.RawTensor{grad}
}

// Inputs returns [x].
func (op *ReduceDimOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.input} }

// Output returns the reduced tensor.
func (op *ReduceDimOp) Output() *tensor.RawTensor { return op.output }
