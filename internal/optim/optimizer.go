// Package optim implements the optimizers used to train the adaptation
// networks.
//
// Optimizers work on parameter groups: every group carries a learning-rate
// multiplier, so a pretrained backbone can be fine-tuned at a fraction of the
// rate of freshly initialized heads.
//
// Example usage:
//
//	optimizer := optim.NewSGD(mdd.ParameterGroups(), optim.SGDConfig{
//	    LR:       0.004,
//	    Momentum: 0.9,
//	})
//
//	for step := range steps {
//	    backend.Tape().StartRecording()
//	    loss, _ := mdd.Loss(inputs, labels)
//	    grads := autodiff.Backward(loss.Total, backend)
//	    backend.Tape().Clear()
//
//	    optimizer.SetLR(schedule.LR(base, step))
//	    optimizer.Step(grads)
//	    optimizer.ZeroGrad()
//	}
//
// Updates write directly into the parameter storage and are never recorded
// on a gradient tape.
package optim

import (
	"github.com/qdann-ml/qdann/internal/nn"
	"github.com/qdann-ml/qdann/internal/tensor"
)

// Optimizer is the interface shared by SGD and Adam.
type Optimizer interface {
	// Step applies one update using the gradients returned by
	// autodiff.Backward. Parameters without a gradient are left alone.
	Step(grads map[*tensor.RawTensor]*tensor.RawTensor)

	// ZeroGrad clears the gradients attached to every parameter.
	ZeroGrad()

	// GetLR returns the base learning rate.
	GetLR() float32

	// SetLR replaces the base learning rate. Group multipliers still apply.
	SetLR(lr float32)
}

// ParamGroup is a set of parameters sharing a learning-rate multiplier.
type ParamGroup[B tensor.Backend] struct {
	Name   string
	Params []*nn.Parameter[B]
	// LRMult scales the base learning rate for this group.
	LRMult float32
}

// SingleGroup puts params in one group with multiplier 1.
func SingleGroup[B tensor.Backend](params []*nn.Parameter[B]) []ParamGroup[B] {
	return []ParamGroup[B]{{Name: "default", Params: params, LRMult: 1}}
}

// NumParams returns the number of parameter tensors across groups.
func NumParams[B tensor.Backend](groups []ParamGroup[B]) int {
	n := 0
	for _, g := range groups {
		n += len(g.Params)
	}
	return n
}

func zeroGrad[B tensor.Backend](groups []ParamGroup[B]) {
	for _, g := range groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}

// getGradient returns the float32 gradient of param, or nil if it was not
// part of the computation.
func getGradient[B tensor.Backend](param *nn.Parameter[B], grads map[*tensor.RawTensor]*tensor.RawTensor) []float32 {
	if param == nil {
		return nil
	}
	g, ok := grads[param.Tensor().Raw()]
	if !ok || g == nil {
		return nil
	}
	return g.AsFloat32()
}
