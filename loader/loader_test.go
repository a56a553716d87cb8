// Copyright 2025 The qdann Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package loader_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qdann-ml/qdann/backend/cpu"
	"github.com/qdann-ml/qdann/loader"
	"github.com/qdann-ml/qdann/nn"
	"github.com/qdann-ml/qdann/tensor"
)

func TestWriteAndOpen(t *testing.T) {
	layer := nn.NewLinear(3, 2, cpu.New())
	path := filepath.Join(t.TempDir(), "linear.safetensors")
	require.NoError(t, loader.WriteFile(path, nn.StateDict(layer), loader.WriteOptions{
		Half:     true,
		Metadata: map[string]string{"arch": "linear"},
	}))

	r, err := loader.Open(path)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, []string{"bias", "weight"}, r.TensorNames())
	assert.Equal(t, "linear", r.Metadata()["arch"])
	info, err := r.TensorInfo("weight")
	require.NoError(t, err)
	assert.Equal(t, loader.F16, info.DType)
	assert.Equal(t, []int{2, 3}, info.Shape)

	state, err := loader.ReadStateDict(path, tensor.CPU)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 3}, state["weight"].Shape())
	assert.Equal(t, tensor.Float32, state["weight"].DType())
}
