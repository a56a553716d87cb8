// Copyright 2025 The qdann Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides type-safe tensors for qdann models.
//
// # Overview
//
// Tensors are the data structure every model consumes and produces:
//   - Generic type-safe tensors (Tensor[T, B]) over float32, int32 and int64
//   - NumPy-style broadcasting for element-wise operations
//   - Pluggable backends (the pure Go CPU backend, optionally wrapped by autodiff)
//
// # Basic Usage
//
//	import (
//	    "github.com/qdann-ml/qdann/backend/cpu"
//	    "github.com/qdann-ml/qdann/tensor"
//	)
//
//	func main() {
//	    backend := cpu.New()
//	    images := tensor.Randn[float32](tensor.Shape{8, 3, 224, 224}, backend)
//	    labels, _ := tensor.FromSlice([]int64{3, 17, 0, 30}, tensor.Shape{4}, backend)
//	    _ = images.Shape()  // [8 3 224 224]
//	    _ = labels.Data()   // [3 17 0 30]
//	}
//
// # Supported Data Types
//
// Activations and parameters are float32. Class indices are int32 or int64.
//
// # Devices
//
// Only the CPU device is implemented; configuration rejects the others.
package tensor
