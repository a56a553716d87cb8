// Copyright 2025 The qdann Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package nn provides the neural network building blocks of qdann models.
//
// # Overview
//
// Layers implement Module: Forward plus Parameters. Layers with state that
// is not a parameter (batch norm running statistics) also expose it through
// StateDict, using PyTorch's names so that pretrained weights line up.
//
// # Basic Usage
//
//	backend := autodiff.New(cpu.New())
//	head := nn.NewSequential[B](
//	    nn.NewLinear(2048, 256, backend),
//	    nn.NewBatchNorm(256, backend),
//	    nn.NewReLU[B](),
//	    nn.NewDropout[B](0.5),
//	    nn.NewLinear(256, 31, backend),
//	)
//	logits := head.Forward(features)
//	loss := nn.CrossEntropy(logits, labels)
//
// Modules switch between training and evaluation with SetTrain.
package nn
