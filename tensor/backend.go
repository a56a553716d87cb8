// Copyright 2025 The qdann Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import "github.com/qdann-ml/qdann/internal/tensor"

// Backend is the interface compute backends implement. Backends operate on
// RawTensor values and never modify their inputs.
//
// Implementations:
//   - backend/cpu: pure Go
//
// Decorator backends:
//   - autodiff: records operations for reverse-mode differentiation
type Backend = tensor.Backend

// Conv2DParams configures a 2D convolution: stride, padding, dilation and groups.
type Conv2DParams = tensor.Conv2DParams

// Pool2DParams configures a 2D pooling window.
type Pool2DParams = tensor.Pool2DParams
