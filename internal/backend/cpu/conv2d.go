package cpu

import (
	"fmt"
	"sync"

	"github.com/qdann-ml/qdann/internal/parallel"
	"github.com/qdann-ml/qdann/internal/tensor"
)

// convGeometry holds the derived sizes of one grouped convolution.
type convGeometry struct {
	p                    tensor.Conv2DParams
	n, cin, h, w         int
	cout, kh, kw         int
	hout, wout           int
	cinG, coutG          int // channels per group
	rows, cols           int // im2col matrix: rows = cinG*kh*kw, cols = hout*wout
	imageSize, outSize   int // elements per image in input and output
	kernelGroupSize      int // kernel elements per group
	groupInputChanOffset int // input elements per group within one image
}

func newConvGeometry(input, kernel tensor.Shape, p tensor.Conv2DParams) convGeometry {
	p = p.Normalize()
	outShape, err := tensor.Conv2DOutputShape(input, kernel, p)
	if err != nil {
		panic(err.Error())
	}
	g := convGeometry{
		p:    p,
		n:    input[0],
		cin:  input[1],
		h:    input[2],
		w:    input[3],
		cout: kernel[0],
		kh:   kernel[2],
		kw:   kernel[3],
		hout: outShape[2],
		wout: outShape[3],
	}
	g.cinG = g.cin / p.Groups
	g.coutG = g.cout / p.Groups
	g.rows = g.cinG * g.kh * g.kw
	g.cols = g.hout * g.wout
	g.imageSize = g.cin * g.h * g.w
	g.outSize = g.cout * g.cols
	g.kernelGroupSize = g.coutG * g.rows
	g.groupInputChanOffset = g.cinG * g.h * g.w
	return g
}

// im2col unfolds the channels of one group of one image into a
// [rows, cols] matrix. Padded positions are zero.
func (g *convGeometry) im2col(img, col []float32) {
	stride, pad, dil := g.p.Stride, g.p.Padding, g.p.Dilation
	for c := 0; c < g.cinG; c++ {
		plane := img[c*g.h*g.w : (c+1)*g.h*g.w]
		for ki := 0; ki < g.kh; ki++ {
			for kj := 0; kj < g.kw; kj++ {
				row := col[((c*g.kh+ki)*g.kw+kj)*g.cols:][:g.cols]
				for oh := 0; oh < g.hout; oh++ {
					ih := oh*stride - pad + ki*dil
					dst := row[oh*g.wout : (oh+1)*g.wout]
					if ih < 0 || ih >= g.h {
						clear(dst)
						continue
					}
					src := plane[ih*g.w : (ih+1)*g.w]
					for ow := range dst {
						iw := ow*stride - pad + kj*dil
						if iw < 0 || iw >= g.w {
							dst[ow] = 0
						} else {
							dst[ow] = src[iw]
						}
					}
				}
			}
		}
	}
}

// col2im folds a [rows, cols] matrix back into image channels, accumulating
// overlapping contributions.
func (g *convGeometry) col2im(col, img []float32) {
	stride, pad, dil := g.p.Stride, g.p.Padding, g.p.Dilation
	for c := 0; c < g.cinG; c++ {
		plane := img[c*g.h*g.w : (c+1)*g.h*g.w]
		for ki := 0; ki < g.kh; ki++ {
			for kj := 0; kj < g.kw; kj++ {
				row := col[((c*g.kh+ki)*g.kw+kj)*g.cols:][:g.cols]
				for oh := 0; oh < g.hout; oh++ {
					ih := oh*stride - pad + ki*dil
					if ih < 0 || ih >= g.h {
						continue
					}
					dst := plane[ih*g.w : (ih+1)*g.w]
					src := row[oh*g.wout : (oh+1)*g.wout]
					for ow, v := range src {
						iw := ow*stride - pad + kj*dil
						if iw >= 0 && iw < g.w {
							dst[iw] += v
						}
					}
				}
			}
		}
	}
}

// Conv2D performs a grouped, strided, dilated 2D convolution with im2col.
//
// Input shape: [N, C_in, H, W]
// Kernel shape: [C_out, C_in/groups, KH, KW]
// Output shape: [N, C_out, H_out, W_out]
//
// Each (image, group) pair is unfolded and multiplied by that group's
// kernel rows; pairs run in parallel.
func (cpu *CPUBackend) Conv2D(input, kernel *tensor.RawTensor, p tensor.Conv2DParams) *tensor.RawTensor {
	g := newConvGeometry(input.Shape(), kernel.Shape(), p)
	groups := g.p.Groups

	output := tensor.MustRaw(tensor.Shape{g.n, g.cout, g.hout, g.wout}, tensor.Float32, cpu.device)
	in, k, out := input.AsFloat32(), kernel.AsFloat32(), output.AsFloat32()

	parallel.For(g.n*groups, func(job int) {
		b, grp := job/groups, job%groups
		col := make([]float32, g.rows*g.cols)
		g.im2col(in[b*g.imageSize+grp*g.groupInputChanOffset:], col)
		dst := out[b*g.outSize+grp*g.coutG*g.cols:][:g.coutG*g.cols]
		gemm(g.coutG, g.cols, g.rows, k[grp*g.kernelGroupSize:][:g.kernelGroupSize], col, dst)
	}, cpu.parallel.Coarse())

	return output
}

// Conv2DInputBackward computes dL/dInput for Conv2D.
// grad has the forward output shape; the result has the input shape.
func (cpu *CPUBackend) Conv2DInputBackward(input, kernel, grad *tensor.RawTensor, p tensor.Conv2DParams) *tensor.RawTensor {
	g := newConvGeometry(input.Shape(), kernel.Shape(), p)
	cpu.checkGradShape("conv2d input backward", grad, g)
	groups := g.p.Groups

	result := tensor.MustRaw(input.Shape(), tensor.Float32, cpu.device)
	k, gr, dx := kernel.AsFloat32(), grad.AsFloat32(), result.AsFloat32()

	parallel.For(g.n*groups, func(job int) {
		b, grp := job/groups, job%groups
		col := make([]float32, g.rows*g.cols)
		gOut := gr[b*g.outSize+grp*g.coutG*g.cols:][:g.coutG*g.cols]
		gemmTN(g.rows, g.cols, g.coutG, k[grp*g.kernelGroupSize:][:g.kernelGroupSize], gOut, col)
		g.col2im(col, dx[b*g.imageSize+grp*g.groupInputChanOffset:])
	}, cpu.parallel.Coarse())

	return result
}

// Conv2DKernelBackward computes dL/dKernel for Conv2D, summed over the batch.
func (cpu *CPUBackend) Conv2DKernelBackward(input, kernel, grad *tensor.RawTensor, p tensor.Conv2DParams) *tensor.RawTensor {
	g := newConvGeometry(input.Shape(), kernel.Shape(), p)
	cpu.checkGradShape("conv2d kernel backward", grad, g)
	groups := g.p.Groups

	result := tensor.MustRaw(kernel.Shape(), tensor.Float32, cpu.device)
	in, gr, dk := input.AsFloat32(), grad.AsFloat32(), result.AsFloat32()

	var mu sync.Mutex
	parallel.Chunks(g.n, func(start, end int) {
		local := make([]float32, len(dk))
		col := make([]float32, g.rows*g.cols)
		for b := start; b < end; b++ {
			for grp := 0; grp < groups; grp++ {
				g.im2col(in[b*g.imageSize+grp*g.groupInputChanOffset:], col)
				gOut := gr[b*g.outSize+grp*g.coutG*g.cols:][:g.coutG*g.cols]
				gemmNT(g.coutG, g.rows, g.cols, gOut, col, local[grp*g.kernelGroupSize:][:g.kernelGroupSize])
			}
		}
		mu.Lock()
		for i, v := range local {
			dk[i] += v
		}
		mu.Unlock()
	}, cpu.parallel.Coarse())

	return result
}

func (cpu *CPUBackend) checkGradShape(op string, grad *tensor.RawTensor, g convGeometry) {
	want := tensor.Shape{g.n, g.cout, g.hout, g.wout}
	if !grad.Shape().Equal(want) {
		panic(fmt.Sprintf("%s: gradient shape %v, expected %v", op, grad.Shape(), want))
	}
}
