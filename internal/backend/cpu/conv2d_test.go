package cpu

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qdann-ml/qdann/internal/tensor"
)

func randomRaw(rng *rand.Rand, shape ...int) *tensor.RawTensor {
	r := tensor.MustRaw(tensor.Shape(shape), tensor.Float32, tensor.CPU)
	for i := range r.AsFloat32() {
		r.AsFloat32()[i] = float32(rng.NormFloat64())
	}
	return r
}

// naiveConv2D is the direct definition of a grouped, dilated convolution.
func naiveConv2D(in, k *tensor.RawTensor, p tensor.Conv2DParams) []float32 {
	p = p.Normalize()
	is, ks := in.Shape(), k.Shape()
	n, cin, h, w := is[0], is[1], is[2], is[3]
	cout, cinG, kh, kw := ks[0], ks[1], ks[2], ks[3]
	coutG := cout / p.Groups
	hout, wout := p.OutputSize(h, kh), p.OutputSize(w, kw)
	x, kk := in.AsFloat32(), k.AsFloat32()

	out := make([]float32, n*cout*hout*wout)
	for b := 0; b < n; b++ {
		for oc := 0; oc < cout; oc++ {
			g := oc / coutG
			for oh := 0; oh < hout; oh++ {
				for ow := 0; ow < wout; ow++ {
					var sum float32
					for ic := 0; ic < cinG; ic++ {
						c := g*cinG + ic
						for i := 0; i < kh; i++ {
							for j := 0; j < kw; j++ {
								ih := oh*p.Stride - p.Padding + i*p.Dilation
								iw := ow*p.Stride - p.Padding + j*p.Dilation
								if ih < 0 || ih >= h || iw < 0 || iw >= w {
									continue
								}
								sum += x[((b*cin+c)*h+ih)*w+iw] * kk[((oc*cinG+ic)*kh+i)*kw+j]
							}
						}
					}
					out[((b*cout+oc)*hout+oh)*wout+ow] = sum
				}
			}
		}
	}
	return out
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func TestConv2D_MatchesDirectDefinition(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	cases := []struct {
		name   string
		input  []int
		kernel []int
		params tensor.Conv2DParams
	}{
		{"1x1", []int{2, 3, 5, 5}, []int{4, 3, 1, 1}, tensor.Conv2DParams{}},
		{"3x3 pad", []int{2, 3, 6, 6}, []int{4, 3, 3, 3}, tensor.Conv2DParams{Padding: 1}},
		{"7x7 stride 2", []int{1, 3, 11, 11}, []int{2, 3, 7, 7}, tensor.Conv2DParams{Stride: 2, Padding: 3}},
		{"grouped", []int{2, 4, 5, 5}, []int{6, 2, 3, 3}, tensor.Conv2DParams{Padding: 1, Groups: 2}},
		{"dilated", []int{1, 2, 7, 7}, []int{2, 2, 3, 3}, tensor.Conv2DParams{Padding: 2, Dilation: 2}},
	}

	b := New()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := randomRaw(rng, tc.input...)
			k := randomRaw(rng, tc.kernel...)
			got := b.Conv2D(in, k, tc.params)
			want := naiveConv2D(in, k, tc.params)
			require.Equal(t, len(want), got.NumElements())
			assert.InDeltaSlice(t, want, got.AsFloat32(), 1e-4)
		})
	}
}

// Convolution is linear in both operands, so the backward kernels must
// satisfy <conv(x, k), g> = <x, dX(g)> = <k, dK(g)>.
func TestConv2D_BackwardAdjoint(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	params := []tensor.Conv2DParams{
		{Padding: 1},
		{Stride: 2, Padding: 1},
		{Padding: 1, Groups: 2},
		{Padding: 2, Dilation: 2, Groups: 4},
	}

	b := New()
	for _, p := range params {
		in := randomRaw(rng, 3, 4, 6, 6)
		k := randomRaw(rng, 4, 4/p.Normalize().Groups, 3, 3)
		out := b.Conv2D(in, k, p)
		g := randomRaw(rng, out.Shape()...)

		lhs := dot(out.AsFloat32(), g.AsFloat32())
		dx := b.Conv2DInputBackward(in, k, g, p)
		dk := b.Conv2DKernelBackward(in, k, g, p)

		assert.Equal(t, in.Shape(), dx.Shape())
		assert.Equal(t, k.Shape(), dk.Shape())
		assert.InDelta(t, lhs, dot(in.AsFloat32(), dx.AsFloat32()), 1e-2)
		assert.InDelta(t, lhs, dot(k.AsFloat32(), dk.AsFloat32()), 1e-2)
	}
}

func TestConv2D_InvalidShapes(t *testing.T) {
	b := New()
	in := tensor.MustRaw(tensor.Shape{1, 3, 4, 4}, tensor.Float32, tensor.CPU)
	k := tensor.MustRaw(tensor.Shape{2, 2, 3, 3}, tensor.Float32, tensor.CPU)
	assert.Panics(t, func() { b.Conv2D(in, k, tensor.Conv2DParams{}) })

	big := tensor.MustRaw(tensor.Shape{2, 3, 7, 7}, tensor.Float32, tensor.CPU)
	assert.Panics(t, func() { b.Conv2D(in, big, tensor.Conv2DParams{}) })
}

func TestMaxPool2D_Padded(t *testing.T) {
	b := New()
	// 1x1x4x4 ramp 0..15
	data := make([]float32, 16)
	for i := range data {
		data[i] = float32(i)
	}
	in := raw(t, data, 1, 1, 4, 4)
	p := tensor.Pool2DParams{Kernel: 3, Stride: 2, Padding: 1}

	out := b.MaxPool2D(in, p)
	assert.Equal(t, tensor.Shape{1, 1, 2, 2}, out.Shape())
	assert.Equal(t, []float32{5, 7, 13, 15}, out.AsFloat32())

	grad := raw(t, []float32{1, 1, 1, 1}, 1, 1, 2, 2)
	dx := b.MaxPool2DBackward(in, grad, p).AsFloat32()
	assert.Equal(t, float32(1), dx[5])
	assert.Equal(t, float32(1), dx[7])
	assert.Equal(t, float32(1), dx[13])
	assert.Equal(t, float32(1), dx[15])
	var total float32
	for _, v := range dx {
		total += v
	}
	assert.Equal(t, float32(4), total)
}

func TestMaxPool2D_NegativeInputsIgnorePadding(t *testing.T) {
	b := New()
	in := raw(t, []float32{-5, -4, -3, -2}, 1, 1, 2, 2)
	out := b.MaxPool2D(in, tensor.Pool2DParams{Kernel: 3, Stride: 2, Padding: 1})
	assert.Equal(t, []float32{-2}, out.AsFloat32())
}
