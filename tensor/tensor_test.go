// Copyright 2025 The qdann Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qdann-ml/qdann/backend/cpu"
	"github.com/qdann-ml/qdann/tensor"
)

func TestBackendInterface(_ *testing.T) {
	var _ tensor.Backend = cpu.New()
}

func TestRawTensorAPI(t *testing.T) {
	raw, err := tensor.NewRaw(tensor.Shape{2, 3}, tensor.Float32, tensor.CPU)
	require.NoError(t, err)

	if !raw.Shape().Equal(tensor.Shape{2, 3}) {
		t.Errorf("Shape() = %v, want [2 3]", raw.Shape())
	}
	assert.Equal(t, tensor.Float32, raw.DType())
	assert.Equal(t, tensor.CPU, raw.Device())
	assert.Equal(t, 6, raw.NumElements())
	assert.Equal(t, 24, raw.ByteSize())

	clone := raw.Clone()
	clone.AsFloat32()[0] = 1
	assert.Equal(t, float32(0), raw.AsFloat32()[0], "clones do not share storage")
}

func TestCreation(t *testing.T) {
	backend := cpu.New()

	x := tensor.Full[float32](tensor.Shape{2, 2}, 0.5, backend)
	assert.Equal(t, []float32{0.5, 0.5, 0.5, 0.5}, x.Data())
	assert.Equal(t, float32(3), tensor.Scalar[float32](3, backend).Item())
	assert.Equal(t, tensor.Shape{8, 3, 4, 4}, tensor.Randn[float32](tensor.Shape{8, 3, 4, 4}, backend).Shape())

	labels, err := tensor.FromSlice([]int64{3, 17, 0, 30}, tensor.Shape{4}, backend)
	require.NoError(t, err)
	assert.Equal(t, tensor.Int64, labels.DType())

	_, err = tensor.FromSlice([]int64{1, 2, 3}, tensor.Shape{4}, backend)
	assert.Error(t, err)

	for _, v := range tensor.Rand[float32](tensor.Shape{64}, backend).Data() {
		if v < 0 || v >= 1 {
			t.Errorf("Rand value %v outside [0, 1)", v)
		}
	}
}

func TestParseDevice(t *testing.T) {
	d, err := tensor.ParseDevice("CPU")
	require.NoError(t, err)
	assert.Equal(t, tensor.CPU, d)

	_, err = tensor.ParseDevice("abacus")
	assert.Error(t, err)
}

func TestBroadcastShapes(t *testing.T) {
	shape, _, err := tensor.BroadcastShapes(tensor.Shape{3, 1}, tensor.Shape{3, 4})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{3, 4}, shape)
}
