// Copyright 2025 The qdann Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package loader reads and writes model weights in the SafeTensors format.
//
// Example usage:
//
//	import (
//	    "github.com/qdann-ml/qdann/loader"
//	    "github.com/qdann-ml/qdann/tensor"
//	)
//
//	// Read a torchvision ResNet checkpoint converted to SafeTensors
//	state, err := loader.ReadStateDict("resnet50.safetensors", tensor.CPU)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Save a trained model at half precision
//	err = loader.WriteFile("qdann.safetensors", nn.StateDict(model), loader.WriteOptions{Half: true})
package loader

import (
	"io"

	"github.com/qdann-ml/qdann/internal/loader"
	"github.com/qdann-ml/qdann/internal/tensor"
)

// DType is a SafeTensors element type.
type DType = loader.DType

// Supported element types. F16, BF16 and F64 are converted to float32 on load.
const (
	F16  = loader.F16
	BF16 = loader.BF16
	F32  = loader.F32
	F64  = loader.F64
	I32  = loader.I32
	I64  = loader.I64
)

// Reader gives random access to the tensors of a SafeTensors file.
type Reader = loader.Reader

// TensorInfo describes one stored tensor.
type TensorInfo = loader.TensorInfo

// WriteOptions controls how a state dict is stored.
type WriteOptions = loader.WriteOptions

// Open opens a SafeTensors file. The caller must Close it.
func Open(path string) (*Reader, error) {
	return loader.Open(path)
}

// ReadStateDict loads every tensor of the file at path. Entries with an
// element type that has no tensor.DataType (U8, BOOL) are skipped.
func ReadStateDict(path string, device tensor.Device) (map[string]*tensor.RawTensor, error) {
	return loader.ReadStateDict(path, device)
}

// ReadPartialStateDict is ReadStateDict that also returns the skipped names.
func ReadPartialStateDict(path string, device tensor.Device) (map[string]*tensor.RawTensor, []string, error) {
	return loader.ReadPartialStateDict(path, device)
}

// WriteStateDict encodes state to w.
func WriteStateDict(w io.Writer, state map[string]*tensor.RawTensor, opts WriteOptions) error {
	return loader.WriteStateDict(w, state, opts)
}

// WriteFile writes state to the file at path.
func WriteFile(path string, state map[string]*tensor.RawTensor, opts WriteOptions) error {
	return loader.WriteFile(path, state, opts)
}
