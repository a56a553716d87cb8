// Copyright 2025 The qdann Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu provides a pure Go CPU backend for tensor operations.
//
// # Overview
//
// This package implements a CPU backend with:
//   - Pure Go implementation (no CGO)
//   - Im2col convolutions with stride, padding, dilation and groups
//   - Padded max pooling
//   - NumPy-compatible broadcasting
//
// Convolution and matrix multiplication split their outer loops across
// goroutines; every call returns only after its workers have finished.
//
// # Basic Usage
//
//	import (
//	    "github.com/qdann-ml/qdann/backend/cpu"
//	    "github.com/qdann-ml/qdann/models"
//	)
//
//	func main() {
//	    backend := cpu.New()
//	    net, err := models.ResNet50Quant(backend, models.Quant{WeightBits: 4, ActivationBits: 4})
//	}
//
// Training needs gradients: wrap the backend with autodiff.New first.
//
// # Thread Safety
//
// The backend holds no mutable state and is safe for concurrent use.
// Models built on it are not.
package cpu
