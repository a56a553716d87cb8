package cpu

import (
	"fmt"
	"math"

	"github.com/qdann-ml/qdann/internal/parallel"
	"github.com/qdann-ml/qdann/internal/tensor"
)

type poolGeometry struct {
	p                      tensor.Pool2DParams
	n, c, h, w, hout, wout int
}

func newPoolGeometry(input tensor.Shape, p tensor.Pool2DParams) poolGeometry {
	if len(input) != 4 {
		panic(fmt.Sprintf("maxpool2d: input must be 4D [N,C,H,W], got %v", input))
	}
	if p.Kernel <= 0 {
		panic(fmt.Sprintf("maxpool2d: kernel size must be positive, got %d", p.Kernel))
	}
	if p.Stride == 0 {
		p.Stride = p.Kernel
	}
	if 2*p.Padding > p.Kernel {
		panic(fmt.Sprintf("maxpool2d: padding %d must be at most half of kernel size %d", p.Padding, p.Kernel))
	}
	g := poolGeometry{p: p, n: input[0], c: input[1], h: input[2], w: input[3]}
	g.hout = p.OutputSize(g.h)
	g.wout = p.OutputSize(g.w)
	if g.hout <= 0 || g.wout <= 0 {
		panic(fmt.Sprintf("maxpool2d: input %v too small for kernel %d", input, p.Kernel))
	}
	return g
}

// argmax returns the flat offset within plane of the maximum of window
// (oh, ow). Ties keep the first position in row-major order.
func (g *poolGeometry) argmax(plane []float32, oh, ow int) int {
	best := -1
	bestVal := float32(math.Inf(-1))
	for ki := 0; ki < g.p.Kernel; ki++ {
		ih := oh*g.p.Stride - g.p.Padding + ki
		if ih < 0 || ih >= g.h {
			continue
		}
		for kj := 0; kj < g.p.Kernel; kj++ {
			iw := ow*g.p.Stride - g.p.Padding + kj
			if iw < 0 || iw >= g.w {
				continue
			}
			if v := plane[ih*g.w+iw]; best < 0 || v > bestVal {
				best, bestVal = ih*g.w+iw, v
			}
		}
	}
	return best
}

// MaxPool2D applies 2D max pooling with implicit -inf padding.
//
// Input shape: [N, C, H, W]
// Output shape: [N, C, H_out, W_out]
func (cpu *CPUBackend) MaxPool2D(input *tensor.RawTensor, p tensor.Pool2DParams) *tensor.RawTensor {
	g := newPoolGeometry(input.Shape(), p)
	output := tensor.MustRaw(tensor.Shape{g.n, g.c, g.hout, g.wout}, tensor.Float32, cpu.device)
	in, out := input.AsFloat32(), output.AsFloat32()

	parallel.ForBatch(g.n, g.c, func(b, c int) {
		plane := in[(b*g.c+c)*g.h*g.w:][:g.h*g.w]
		dst := out[(b*g.c+c)*g.hout*g.wout:][:g.hout*g.wout]
		for oh := 0; oh < g.hout; oh++ {
			for ow := 0; ow < g.wout; ow++ {
				dst[oh*g.wout+ow] = plane[g.argmax(plane, oh, ow)]
			}
		}
	}, cpu.parallel.Coarse())
	return output
}

// MaxPool2DBackward routes each output gradient to the input position that
// won its window in the forward pass.
func (cpu *CPUBackend) MaxPool2DBackward(input, grad *tensor.RawTensor, p tensor.Pool2DParams) *tensor.RawTensor {
	g := newPoolGeometry(input.Shape(), p)
	want := tensor.Shape{g.n, g.c, g.hout, g.wout}
	if !grad.Shape().Equal(want) {
		panic(fmt.Sprintf("maxpool2d backward: gradient shape %v, expected %v", grad.Shape(), want))
	}

	result := tensor.MustRaw(input.Shape(), tensor.Float32, cpu.device)
	in, gr, dx := input.AsFloat32(), grad.AsFloat32(), result.AsFloat32()

	parallel.ForBatch(g.n, g.c, func(b, c int) {
		plane := in[(b*g.c+c)*g.h*g.w:][:g.h*g.w]
		dplane := dx[(b*g.c+c)*g.h*g.w:][:g.h*g.w]
		src := gr[(b*g.c+c)*g.hout*g.wout:][:g.hout*g.wout]
		for oh := 0; oh < g.hout; oh++ {
			for ow := 0; ow < g.wout; ow++ {
				dplane[g.argmax(plane, oh, ow)] += src[oh*g.wout+ow]
			}
		}
	}, cpu.parallel.Coarse())
	return result
}
