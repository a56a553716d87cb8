package cpu

import (
	"fmt"

	"github.com/qdann-ml/qdann/internal/tensor"
)

// Reshape returns a copy of t with a new shape of equal element count.
func (cpu *CPUBackend) Reshape(t *tensor.RawTensor, newShape tensor.Shape) *tensor.RawTensor {
	if newShape.NumElements() != t.NumElements() {
		panic(fmt.Sprintf("reshape: cannot reshape %v into %v", t.Shape(), newShape))
	}
	if err := newShape.Validate(); err != nil {
		panic(fmt.Sprintf("reshape: %v", err))
	}
	return t.Clone().WithShape(newShape)
}

// Transpose permutes the dimensions of t. With no axes the order is reversed.
func (cpu *CPUBackend) Transpose(t *tensor.RawTensor, axes ...int) *tensor.RawTensor {
	shape := t.Shape()
	ndim := len(shape)
	if len(axes) == 0 {
		axes = make([]int, ndim)
		for i := range axes {
			axes[i] = ndim - 1 - i
		}
	}
	if len(axes) != ndim {
		panic(fmt.Sprintf("transpose: got %d axes for %dD tensor", len(axes), ndim))
	}

	seen := make([]bool, ndim)
	outShape := make(tensor.Shape, ndim)
	for i, ax := range axes {
		if ax < 0 || ax >= ndim || seen[ax] {
			panic(fmt.Sprintf("transpose: invalid permutation %v", axes))
		}
		seen[ax] = true
		outShape[i] = shape[ax]
	}

	// srcIndex[i] is the flat source offset of output element i.
	inStrides := t.Strides()
	srcIndex := make([]int, t.NumElements())
	idx := make([]int, ndim)
	off := 0
	for i := range srcIndex {
		srcIndex[i] = off
		for d := ndim - 1; d >= 0; d-- {
			idx[d]++
			off += inStrides[axes[d]]
			if idx[d] < outShape[d] {
				break
			}
			off -= inStrides[axes[d]] * outShape[d]
			idx[d] = 0
		}
	}

	result := tensor.MustRaw(outShape, t.DType(), cpu.device)
	switch t.DType() {
	case tensor.Float32:
		gather(result.AsFloat32(), t.AsFloat32(), srcIndex)
	case tensor.Int32:
		gather(result.AsInt32(), t.AsInt32(), srcIndex)
	case tensor.Int64:
		gather(result.AsInt64(), t.AsInt64(), srcIndex)
	}
	return result
}

func gather[T any](dst, src []T, srcIndex []int) {
	for i, s := range srcIndex {
		dst[i] = src[s]
	}
}

// Narrow returns elements [start, start+length) along dim.
func (cpu *CPUBackend) Narrow(t *tensor.RawTensor, dim, start, length int) *tensor.RawTensor {
	shape := t.Shape()
	dim = shape.NormalizeDim(dim)
	if start < 0 || length <= 0 || start+length > shape[dim] {
		panic(fmt.Sprintf("narrow: range [%d, %d) out of bounds for dim %d of %v", start, start+length, dim, shape))
	}

	outShape := shape.Clone()
	outShape[dim] = length
	result := tensor.MustRaw(outShape, t.DType(), cpu.device)
	outer, n, inner := shape.Split(dim)

	switch t.DType() {
	case tensor.Float32:
		narrow(result.AsFloat32(), t.AsFloat32(), outer, n, inner, start, length)
	case tensor.Int32:
		narrow(result.AsInt32(), t.AsInt32(), outer, n, inner, start, length)
	case tensor.Int64:
		narrow(result.AsInt64(), t.AsInt64(), outer, n, inner, start, length)
	}
	return result
}

func narrow[T any](dst, src []T, outer, n, inner, start, length int) {
	block := length * inner
	for o := 0; o < outer; o++ {
		copy(dst[o*block:(o+1)*block], src[(o*n+start)*inner:(o*n+start)*inner+block])
	}
}
