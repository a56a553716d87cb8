package cpu

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qdann-ml/qdann/internal/tensor"
)

func raw(t *testing.T, data []float32, shape ...int) *tensor.RawTensor {
	t.Helper()
	r, err := tensor.NewRaw(tensor.Shape(shape), tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	copy(r.AsFloat32(), data)
	return r
}

func TestCPUBackend_Metadata(t *testing.T) {
	b := New()
	assert.Equal(t, "CPU", b.Name())
	assert.Equal(t, tensor.CPU, b.Device())
}

func TestCPUBackend_AddBroadcast(t *testing.T) {
	b := New()
	a := raw(t, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	row := raw(t, []float32{10, 20, 30}, 3)
	col := raw(t, []float32{100, 200}, 2, 1)

	assert.Equal(t, []float32{11, 22, 33, 14, 25, 36}, b.Add(a, row).AsFloat32())
	assert.Equal(t, []float32{101, 102, 103, 204, 205, 206}, b.Add(a, col).AsFloat32())

	scalar := raw(t, []float32{2}, []int{}...)
	assert.Equal(t, []float32{2, 4, 6, 8, 10, 12}, b.Mul(a, scalar).AsFloat32())
	assert.Equal(t, tensor.Shape{2, 3}, b.Sub(scalar, a).Shape())
}

func TestCPUBackend_BinaryIncompatible(t *testing.T) {
	b := New()
	a := raw(t, make([]float32, 6), 2, 3)
	c := raw(t, make([]float32, 4), 2, 2)
	assert.Panics(t, func() { b.Add(a, c) })
}

func TestCPUBackend_Scalar(t *testing.T) {
	b := New()
	a := raw(t, []float32{1, -2}, 2)
	assert.Equal(t, []float32{-3, 6}, b.MulScalar(a, -3).AsFloat32())
	assert.Equal(t, []float32{1.5, -1.5}, b.AddScalar(a, 0.5).AsFloat32())
	assert.Equal(t, []float32{1, -2}, a.AsFloat32(), "inputs must not be modified")
}

func TestCPUBackend_MatMul(t *testing.T) {
	b := New()
	a := raw(t, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	c := raw(t, []float32{7, 8, 9, 10, 11, 12}, 3, 2)

	out := b.MatMul(a, c)
	assert.Equal(t, tensor.Shape{2, 2}, out.Shape())
	assert.Equal(t, []float32{58, 64, 139, 154}, out.AsFloat32())

	assert.Panics(t, func() { b.MatMul(a, a) })
}

func TestCPUBackend_Transpose(t *testing.T) {
	b := New()
	a := raw(t, []float32{1, 2, 3, 4, 5, 6}, 2, 3)

	tr := b.Transpose(a)
	assert.Equal(t, tensor.Shape{3, 2}, tr.Shape())
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, tr.AsFloat32())

	x := raw(t, []float32{0, 1, 2, 3, 4, 5, 6, 7}, 2, 2, 2)
	p := b.Transpose(x, 2, 0, 1)
	assert.Equal(t, tensor.Shape{2, 2, 2}, p.Shape())
	// p[k][i][j] = x[i][j][k]
	assert.Equal(t, []float32{0, 2, 4, 6, 1, 3, 5, 7}, p.AsFloat32())
}

func TestCPUBackend_Narrow(t *testing.T) {
	b := New()
	a := raw(t, []float32{1, 2, 3, 4, 5, 6, 7, 8}, 4, 2)

	n := b.Narrow(a, 0, 1, 2)
	assert.Equal(t, tensor.Shape{2, 2}, n.Shape())
	assert.Equal(t, []float32{3, 4, 5, 6}, n.AsFloat32())

	col := b.Narrow(a, 1, 1, 1)
	assert.Equal(t, []float32{2, 4, 6, 8}, col.AsFloat32())

	assert.Panics(t, func() { b.Narrow(a, 0, 3, 2) })
}

func TestCPUBackend_Reshape(t *testing.T) {
	b := New()
	a := raw(t, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	r := b.Reshape(a, tensor.Shape{3, 2})
	assert.Equal(t, tensor.Shape{3, 2}, r.Shape())
	r.AsFloat32()[0] = 42
	assert.Equal(t, float32(1), a.AsFloat32()[0], "reshape must copy")
	assert.Panics(t, func() { b.Reshape(a, tensor.Shape{4}) })
}

func TestCPUBackend_Softmax(t *testing.T) {
	b := New()
	a := raw(t, []float32{1, 2, 3, 1000, 1000, 1000}, 2, 3)
	s := b.Softmax(a, 1).AsFloat32()

	var row0 float32
	for _, v := range s[:3] {
		row0 += v
	}
	assert.InDelta(t, 1.0, row0, 1e-6)
	assert.Greater(t, s[2], s[1])
	for _, v := range s[3:] {
		assert.InDelta(t, 1.0/3.0, v, 1e-6)
	}

	// Along dim 0 each column sums to one.
	c := b.Softmax(raw(t, []float32{0, 1, 0, 1}, 2, 2), 0).AsFloat32()
	assert.InDelta(t, 1.0, c[0]+c[2], 1e-6)
	assert.InDelta(t, 0.5, c[0], 1e-6)
}

func TestCPUBackend_ExpLogReLU(t *testing.T) {
	b := New()
	a := raw(t, []float32{-1, 0, 2}, 3)
	assert.Equal(t, []float32{0, 0, 2}, b.ReLU(a).AsFloat32())

	e := b.Exp(a).AsFloat32()
	assert.InDelta(t, math.Exp(-1), e[0], 1e-6)
	l := b.Log(e).AsFloat32()
	assert.InDelta(t, -1.0, l[0], 1e-5)
	assert.True(t, math.IsInf(float64(b.Log(raw(t, []float32{0}, 1)).AsFloat32()[0]), -1))
}

func TestCPUBackend_Reductions(t *testing.T) {
	b := New()
	a := raw(t, []float32{1, 2, 3, 4, 5, 6}, 2, 3)

	s := b.Sum(a)
	assert.Equal(t, 0, len(s.Shape()))
	assert.Equal(t, float32(21), s.AsFloat32()[0])

	assert.Equal(t, []float32{5, 7, 9}, b.SumDim(a, 0, false).AsFloat32())
	assert.Equal(t, tensor.Shape{2, 1}, b.SumDim(a, 1, true).Shape())
	assert.Equal(t, []float32{2, 5}, b.MeanDim(a, -1, false).AsFloat32())
}

func TestCPUBackend_Argmax(t *testing.T) {
	b := New()
	a := raw(t, []float32{1, 9, 3, 7, 7, 2}, 2, 3)
	idx := b.Argmax(a, 1)
	assert.Equal(t, tensor.Int64, idx.DType())
	assert.Equal(t, tensor.Shape{2}, idx.Shape())
	assert.Equal(t, []int64{1, 0}, idx.AsInt64())
}
