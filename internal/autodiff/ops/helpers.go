package ops

import (
	"fmt"

	"github.com/qdann-ml/qdann/internal/tensor"
)

// reduceBroadcast reduces a gradient tensor to match the target shape.
// This is necessary when broadcasting was used in the forward pass.
//
// Example:
//
//	Forward: a[3,1] + b[3,4] -> c[3,4]  (a was broadcast along dim 1)
//	Backward: grad_c[3,4] -> grad_a[3,1] (sum along dim 1)
func reduceBroadcast(grad *tensor.RawTensor, targetShape tensor.Shape, backend tensor.Backend) *tensor.RawTensor {
	if grad.Shape().Equal(targetShape) {
		return grad
	}
	if len(targetShape) == 0 {
		return backend.Sum(grad)
	}

	result := grad
	for len(result.Shape()) > len(targetShape) {
		result = backend.SumDim(result, 0, false)
	}
	for i, d := range targetShape {
		if d == 1 && result.Shape()[i] != 1 {
			result = backend.SumDim(result, i, true)
		}
	}
	if !result.Shape().Equal(targetShape) {
		result = backend.Reshape(result, targetShape)
	}
	return result
}

// newLike allocates a zero float32 tensor with the shape of t.
func newLike(t *tensor.RawTensor) *tensor.RawTensor {
	return tensor.MustRaw(t.Shape(), tensor.Float32, t.Device())
}

// mapFloat32 applies f to every element of x into a new tensor.
func mapFloat32(x *tensor.RawTensor, f func(float32) float32) *tensor.RawTensor {
	out := newLike(x)
	dst := out.AsFloat32()
	for i, v := range x.AsFloat32() {
		dst[i] = f(v)
	}
	return out
}

// maskedGrad returns grad where keep(x) holds and zero elsewhere.
func maskedGrad(grad, x *tensor.RawTensor, keep func(float32) bool) *tensor.RawTensor {
	out := newLike(grad)
	dst, g := out.AsFloat32(), grad.AsFloat32()
	for i, v := range x.AsFloat32() {
		if keep(v) {
			dst[i] = g[i]
		}
	}
	return out
}

func requireFloat32(op string, ts ...*tensor.RawTensor) {
	for _, t := range ts {
		if t.DType() != tensor.Float32 {
			panic(fmt.Sprintf("%s: expected float32 tensor, got %s", op, t.DType()))
		}
	}
}
