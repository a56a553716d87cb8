// Package cpu implements the tensor.Backend interface on the CPU in pure Go.
//
// Kernels operate on float32 data. Convolution and matrix multiplication are
// spread over goroutines with internal/parallel.
package cpu

import (
	"fmt"

	"github.com/qdann-ml/qdann/internal/parallel"
	"github.com/qdann-ml/qdann/internal/tensor"
)

// CPUBackend implements tensor operations on the CPU.
type CPUBackend struct {
	device   tensor.Device
	parallel parallel.Config
}

// New creates a new CPU backend using every available core.
func New() *CPUBackend {
	return &CPUBackend{
		device:   tensor.CPU,
		parallel: parallel.DefaultConfig(),
	}
}

// NewWithConfig creates a CPU backend with explicit parallelism settings.
func NewWithConfig(cfg parallel.Config) *CPUBackend {
	return &CPUBackend{
		device:   tensor.CPU,
		parallel: cfg,
	}
}

// Name returns the backend name.
func (cpu *CPUBackend) Name() string {
	return "CPU"
}

// Device returns the compute device.
func (cpu *CPUBackend) Device() tensor.Device {
	return cpu.device
}

// Add performs element-wise addition with NumPy-style broadcasting.
func (cpu *CPUBackend) Add(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("add", a, b, func(x, y float32) float32 { return x + y })
}

// Sub performs element-wise subtraction with broadcasting.
func (cpu *CPUBackend) Sub(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("sub", a, b, func(x, y float32) float32 { return x - y })
}

// Mul performs element-wise multiplication with broadcasting.
func (cpu *CPUBackend) Mul(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("mul", a, b, func(x, y float32) float32 { return x * y })
}

// Div performs element-wise division with broadcasting.
func (cpu *CPUBackend) Div(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("div", a, b, func(x, y float32) float32 { return x / y })
}

// MulScalar multiplies every element by s.
func (cpu *CPUBackend) MulScalar(x *tensor.RawTensor, s float32) *tensor.RawTensor {
	return cpu.unary(x, func(v float32) float32 { return v * s })
}

// AddScalar adds s to every element.
func (cpu *CPUBackend) AddScalar(x *tensor.RawTensor, s float32) *tensor.RawTensor {
	return cpu.unary(x, func(v float32) float32 { return v + s })
}

func (cpu *CPUBackend) unary(x *tensor.RawTensor, f func(float32) float32) *tensor.RawTensor {
	result := tensor.MustRaw(x.Shape(), tensor.Float32, cpu.device)
	out := result.AsFloat32()
	for i, v := range x.AsFloat32() {
		out[i] = f(v)
	}
	return result
}

// binary applies f element-wise. Operands are walked with broadcast strides,
// so a stride of 0 repeats an element along a broadcast dimension.
func (cpu *CPUBackend) binary(name string, a, b *tensor.RawTensor, f func(x, y float32) float32) *tensor.RawTensor {
	outShape, needsBroadcast, err := tensor.BroadcastShapes(a.Shape(), b.Shape())
	if err != nil {
		panic(fmt.Sprintf("%s: %v", name, err))
	}

	result := tensor.MustRaw(outShape, tensor.Float32, cpu.device)
	out := result.AsFloat32()
	x, y := a.AsFloat32(), b.AsFloat32()

	if !needsBroadcast && a.Shape().Equal(b.Shape()) {
		for i := range out {
			out[i] = f(x[i], y[i])
		}
		return result
	}

	as := a.Shape().BroadcastStrides(outShape)
	bs := b.Shape().BroadcastStrides(outShape)
	idx := make([]int, len(outShape))
	ai, bi := 0, 0
	for i := range out {
		out[i] = f(x[ai], y[bi])
		for d := len(outShape) - 1; d >= 0; d-- {
			idx[d]++
			ai += as[d]
			bi += bs[d]
			if idx[d] < outShape[d] {
				break
			}
			ai -= as[d] * outShape[d]
			bi -= bs[d] * outShape[d]
			idx[d] = 0
		}
	}
	return result
}
