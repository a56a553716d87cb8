// Copyright 2025 The qdann Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import (
	"github.com/qdann-ml/qdann/internal/tensor"
)

// RawTensor is the low-level tensor representation: a dense row-major
// buffer with its shape, element type and device.
//
// RawTensor is also the key type of state dicts and gradient maps.
//
// Example:
//
//	raw, _ := tensor.NewRaw(tensor.Shape{2, 3}, tensor.Float32, tensor.CPU)
//	data := raw.AsFloat32()
//	clone := raw.Clone()  // independent copy
type RawTensor = tensor.RawTensor
