// Copyright 2025 The qdann Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package optim

import (
	"github.com/qdann-ml/qdann/internal/nn"
	"github.com/qdann-ml/qdann/internal/optim"
	"github.com/qdann-ml/qdann/internal/tensor"
)

// Optimizer interface defines the common interface for all optimizers.
type Optimizer = optim.Optimizer

// ParamGroup is a named set of parameters sharing a learning rate multiplier.
type ParamGroup[B tensor.Backend] = optim.ParamGroup[B]

// SingleGroup wraps params into one group with multiplier 1.
func SingleGroup[B tensor.Backend](params []*nn.Parameter[B]) []ParamGroup[B] {
	return optim.SingleGroup(params)
}

// NumParams returns the number of parameters over all groups.
func NumParams[B tensor.Backend](groups []ParamGroup[B]) int {
	return optim.NumParams(groups)
}

// SGD (Stochastic Gradient Descent)

// SGD represents the SGD optimizer with optional momentum.
type SGD[B tensor.Backend] = optim.SGD[B]

// SGDConfig contains configuration for SGD optimizer.
type SGDConfig = optim.SGDConfig

// NewSGD creates a new SGD optimizer.
//
// Example:
//
//	optimizer := optim.NewSGD(optim.SingleGroup(model.Parameters()), optim.SGDConfig{
//	    LR:       0.01,
//	    Momentum: 0.9,
//	})
func NewSGD[B tensor.Backend](groups []ParamGroup[B], config SGDConfig) *SGD[B] {
	return optim.NewSGD(groups, config)
}

// Adam (Adaptive Moment Estimation)

// Adam represents the Adam optimizer.
type Adam[B tensor.Backend] = optim.Adam[B]

// AdamConfig contains configuration for Adam optimizer.
type AdamConfig = optim.AdamConfig

// NewAdam creates a new Adam optimizer.
func NewAdam[B tensor.Backend](groups []ParamGroup[B], config AdamConfig) *Adam[B] {
	return optim.NewAdam(groups, config)
}

// Schedules

// InvSchedule decays the learning rate as lr * (1 + Gamma*iter)^-Power.
type InvSchedule = optim.InvSchedule

// DefaultInvSchedule uses gamma 0.001 and power 0.75.
var DefaultInvSchedule = optim.DefaultInvSchedule
