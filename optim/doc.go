// Copyright 2025 The qdann Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package optim provides the optimizers used to train qdann models.
//
// # Overview
//
// This package contains:
//   - SGD with momentum, dampening, weight decay and Nesterov momentum
//   - Adam with bias correction
//   - InvSchedule, the inverse learning rate decay lr * (1 + gamma*iter)^-power
//
// Optimizers work on parameter groups. Each group scales the base learning
// rate by its LRMult, so a pretrained backbone can train ten times slower
// than freshly initialized heads.
//
// # Basic Usage
//
//	backend := autodiff.New(cpu.New())
//	model, _ := models.ResNet50MDD(backend, models.Quant{WeightBits: 4, ActivationBits: 4})
//
//	sgd := optim.NewSGD(model.ParameterGroups(), optim.SGDConfig{
//	    LR:          0.004,
//	    Momentum:    0.9,
//	    WeightDecay: 5e-4,
//	    Nesterov:    true,
//	})
//	schedule := optim.DefaultInvSchedule
//
//	for iter := range 10000 {
//	    sgd.SetLR(schedule.LR(0.004, iter))
//	    sgd.ZeroGrad()
//	    ...
//	    sgd.Step(autodiff.Backward(loss, backend))
//	}
package optim
