package cpu

import (
	"math"

	"github.com/qdann-ml/qdann/internal/tensor"
)

// ReLU applies max(0, x) element-wise.
func (cpu *CPUBackend) ReLU(x *tensor.RawTensor) *tensor.RawTensor {
	return cpu.unary(x, func(v float32) float32 {
		if v > 0 {
			return v
		}
		return 0
	})
}

// Exp applies e^x element-wise.
func (cpu *CPUBackend) Exp(x *tensor.RawTensor) *tensor.RawTensor {
	return cpu.unary(x, func(v float32) float32 {
		return float32(math.Exp(float64(v)))
	})
}

// Log applies the natural logarithm element-wise. log(0) is -Inf.
func (cpu *CPUBackend) Log(x *tensor.RawTensor) *tensor.RawTensor {
	return cpu.unary(x, func(v float32) float32 {
		return float32(math.Log(float64(v)))
	})
}

// Softmax computes a numerically stable softmax along dim.
func (cpu *CPUBackend) Softmax(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	shape := x.Shape()
	dim = shape.NormalizeDim(dim)
	outer, n, inner := shape.Split(dim)

	result := tensor.MustRaw(shape, tensor.Float32, cpu.device)
	in, out := x.AsFloat32(), result.AsFloat32()

	for o := 0; o < outer; o++ {
		for i := 0; i < inner; i++ {
			base := o*n*inner + i
			maxVal := float32(math.Inf(-1))
			for j := 0; j < n; j++ {
				maxVal = max(maxVal, in[base+j*inner])
			}
			var sum float64
			for j := 0; j < n; j++ {
				e := math.Exp(float64(in[base+j*inner] - maxVal))
				out[base+j*inner] = float32(e)
				sum += e
			}
			for j := 0; j < n; j++ {
				out[base+j*inner] = float32(float64(out[base+j*inner]) / sum)
			}
		}
	}
	return result
}
