// Copyright 2025 The qdann Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package models builds the quantized ResNet backbones and the domain
// adaptation networks on top of them.
//
// # Overview
//
// Every constructor takes a backend, the bit-widths and optional settings:
//
//	backend := autodiff.New(cpu.New())
//	mdd, err := models.ResNet50MDD(backend, models.Quant{WeightBits: 4, ActivationBits: 4},
//	    models.WithPretrained("resnet50.safetensors"),
//	    models.WithBatchSize(32, 32),
//	)
//
// Bottleneck blocks bind their activation solvers to one batch size at
// construction: every training batch must hold exactly that many examples.
//
// Pretrained weights are merged best-effort. Entries that are missing or
// have the wrong shape keep their initialization and are reported through
// klog.
package models
