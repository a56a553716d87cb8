package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape_NumElements(t *testing.T) {
	assert.Equal(t, 1, Shape{}.NumElements())
	assert.Equal(t, 24, Shape{2, 3, 4}.NumElements())
}

func TestShape_Validate(t *testing.T) {
	assert.NoError(t, Shape{1, 2}.Validate())
	assert.Error(t, Shape{1, 0}.Validate())
	assert.Error(t, Shape{-1}.Validate())
}

func TestShape_ComputeStrides(t *testing.T) {
	assert.Equal(t, []int{12, 4, 1}, Shape{2, 3, 4}.ComputeStrides())
	assert.Empty(t, Shape{}.ComputeStrides())
}

func TestShape_SplitAndReduce(t *testing.T) {
	s := Shape{2, 3, 4, 5}
	outer, n, inner := s.Split(1)
	assert.Equal(t, []int{2, 3, 20}, []int{outer, n, inner})

	assert.Equal(t, Shape{2, 4, 5}, s.Reduce(1, false))
	assert.Equal(t, Shape{2, 1, 4, 5}, s.Reduce(1, true))
	assert.Equal(t, 3, s.NormalizeDim(-1))
	assert.Panics(t, func() { s.NormalizeDim(4) })
}

func TestBroadcastShapes(t *testing.T) {
	tests := []struct {
		a, b      Shape
		want      Shape
		broadcast bool
		wantErr   bool
	}{
		{Shape{3, 1}, Shape{3, 5}, Shape{3, 5}, true, false},
		{Shape{3, 5}, Shape{3, 5}, Shape{3, 5}, false, false},
		{Shape{5}, Shape{2, 3, 5}, Shape{2, 3, 5}, true, false},
		{Shape{}, Shape{2, 2}, Shape{2, 2}, true, false},
		{Shape{3, 4}, Shape{3, 5}, nil, false, true},
	}

	for _, tt := range tests {
		got, broadcast, err := BroadcastShapes(tt.a, tt.b)
		if tt.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, tt.broadcast, broadcast, "%v vs %v", tt.a, tt.b)
	}
}

func TestShape_BroadcastStrides(t *testing.T) {
	assert.Equal(t, []int{0, 1}, Shape{3}.BroadcastStrides(Shape{2, 3}))
	assert.Equal(t, []int{1, 0}, Shape{2, 1}.BroadcastStrides(Shape{2, 3}))
	assert.Equal(t, []int{0, 0}, Shape{}.BroadcastStrides(Shape{2, 3}))
}

func TestConv2DOutputShape(t *testing.T) {
	out, err := Conv2DOutputShape(Shape{8, 3, 224, 224}, Shape{64, 3, 7, 7}, Conv2DParams{Stride: 2, Padding: 3})
	require.NoError(t, err)
	assert.Equal(t, Shape{8, 64, 112, 112}, out)

	out, err = Conv2DOutputShape(Shape{1, 64, 14, 14}, Shape{64, 2, 3, 3}, Conv2DParams{Padding: 2, Dilation: 2, Groups: 32})
	require.NoError(t, err)
	assert.Equal(t, Shape{1, 64, 14, 14}, out)

	_, err = Conv2DOutputShape(Shape{1, 4, 8, 8}, Shape{6, 3, 3, 3}, Conv2DParams{})
	assert.Error(t, err)

	assert.Equal(t, 56, Pool2DParams{Kernel: 3, Stride: 2, Padding: 1}.OutputSize(112))
}

func TestRawTensor(t *testing.T) {
	r, err := NewRaw(Shape{2, 3}, Float32, CPU)
	require.NoError(t, err)
	assert.Equal(t, 24, r.ByteSize())

	r.AsFloat32()[4] = 7
	c := r.Clone()
	c.AsFloat32()[4] = 1
	assert.Equal(t, float32(7), r.AsFloat32()[4])

	v := r.WithShape(Shape{3, 2})
	assert.Equal(t, float32(7), v.AsFloat32()[4])
	assert.Panics(t, func() { r.AsInt64() })

	idx, err := NewRaw(Shape{2}, Int32, CPU)
	require.NoError(t, err)
	idx.AsInt32()[1] = 5
	assert.Equal(t, []int{0, 5}, idx.Indices())

	_, err = NewRaw(Shape{0}, Float32, CPU)
	assert.Error(t, err)
}

func TestParseDevice(t *testing.T) {
	d, err := ParseDevice("CPU")
	require.NoError(t, err)
	assert.Equal(t, CPU, d)

	d, err = ParseDevice("webgpu")
	require.NoError(t, err)
	assert.Equal(t, "WebGPU", d.String())

	_, err = ParseDevice("tpu")
	assert.Error(t, err)
}
