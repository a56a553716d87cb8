package ops

import (
	"fmt"
	"math/rand/v2"

	"github.com/qdann-ml/qdann/internal/tensor"
)

// DropoutOp zeroes each element with probability p and scales survivors by
// 1/(1-p). The same mask scales the gradient.
type DropoutOp struct {
	input  *tensor.RawTensor
	output *tensor.RawTensor
	mask   *tensor.RawTensor
}

// NewDropoutOp samples a mask from rng (the global source when nil) and
// applies it to x.
func NewDropoutOp(x *tensor.RawTensor, p float32, rng *rand.Rand) *DropoutOp {
	requireFloat32("dropout", x)
	if p < 0 || p >= 1 {
		panic(fmt.Sprintf("dropout: probability must be in [0, 1), got %v", p))
	}
	keep := 1 / (1 - p)
	mask := mapFloat32(x, func(float32) float32 {
		var u float32
		if rng != nil {
			u = rng.Float32()
		} else {
			u = rand.Float32()
		}
		if u < p {
			return 0
		}
		return keep
	})

	out := newLike(x)
	dst, m := out.AsFloat32(), mask.AsFloat32()
	for i, v := range x.AsFloat32() {
		dst[i] = v * m[i]
	}
	return &DropoutOp{input: x, output: out, mask: mask}
}

// Backward scales outputGrad by the mask.
func (op *DropoutOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.Mul(outputGrad, op.mask)}
}

// Inputs returns [x].
func (op *DropoutOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.input} }

// Output returns the masked tensor.
func (op *DropoutOp) Output() *tensor.RawTensor { return op.output }
