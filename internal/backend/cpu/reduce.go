package cpu

import (
	"github.com/qdann-ml/qdann/internal/tensor"
)

// Sum reduces all elements into a scalar (shape {}).
func (cpu *CPUBackend) Sum(x *tensor.RawTensor) *tensor.RawTensor {
	var sum float64
	for _, v := range x.AsFloat32() {
		sum += float64(v)
	}
	result := tensor.MustRaw(tensor.Shape{}, tensor.Float32, cpu.device)
	result.AsFloat32()[0] = float32(sum)
	return result
}

// SumDim sums along dim.
func (cpu *CPUBackend) SumDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	return cpu.reduceDim(x, dim, keepDim, 1)
}

// MeanDim averages along dim.
func (cpu *CPUBackend) MeanDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	dim = x.Shape().NormalizeDim(dim)
	return cpu.reduceDim(x, dim, keepDim, 1/float64(x.Shape()[dim]))
}

func (cpu *CPUBackend) reduceDim(x *tensor.RawTensor, dim int, keepDim bool, scale float64) *tensor.RawTensor {
	shape := x.Shape()
	dim = shape.NormalizeDim(dim)
	outer, n, inner := shape.Split(dim)

	result := tensor.MustRaw(shape.Reduce(dim, keepDim), tensor.Float32, cpu.device)
	in, out := x.AsFloat32(), result.AsFloat32()
	for o := 0; o < outer; o++ {
		for i := 0; i < inner; i++ {
			var sum float64
			for j := 0; j < n; j++ {
				sum += float64(in[(o*n+j)*inner+i])
			}
			out[o*inner+i] = float32(sum * scale)
		}
	}
	return result
}

// Argmax returns int64 indices of the maximum along dim, which is removed
// from the result shape. Ties resolve to the lowest index.
func (cpu *CPUBackend) Argmax(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	shape := x.Shape()
	dim = shape.NormalizeDim(dim)
	outer, n, inner := shape.Split(dim)

	result := tensor.MustRaw(shape.Reduce(dim, false), tensor.Int64, cpu.device)
	in, out := x.AsFloat32(), result.AsInt64()
	for o := 0; o < outer; o++ {
		for i := 0; i < inner; i++ {
			best := 0
			bestVal := in[o*n*inner+i]
			for j := 1; j < n; j++ {
				if v := in[(o*n+j)*inner+i]; v > bestVal {
					best, bestVal = j, v
				}
			}
			out[o*inner+i] = int64(best)
		}
	}
	return result
}
