package optim

import (
	"github.com/qdann-ml/qdann/internal/nn"
	"github.com/qdann-ml/qdann/internal/tensor"
)

// SGD implements stochastic gradient descent with momentum, weight decay
// and Nesterov momentum, following torch.optim.SGD:
//
//	g = grad + weight_decay * param
//	buf = momentum * buf + (1 - dampening) * g   (buf = g on the first step)
//	g = g + momentum * buf   (nesterov)  or  g = buf
//	param = param - lr * lr_mult * g
type SGD[B tensor.Backend] struct {
	groups      []ParamGroup[B]
	lr          float32
	momentum    float32
	dampening   float32
	weightDecay float32
	nesterov    bool
	buffers     map[*nn.Parameter[B]][]float32
}

// SGDConfig holds configuration for SGD.
type SGDConfig struct {
	LR          float32 // Learning rate (default: 0.01)
	Momentum    float32 // Momentum factor (default: 0)
	Dampening   float32
	WeightDecay float32
	Nesterov    bool
}

// NewSGD creates an SGD optimizer over groups.
func NewSGD[B tensor.Backend](groups []ParamGroup[B], config SGDConfig) *SGD[B] {
	if config.LR == 0 {
		config.LR = 0.01
	}
	return &SGD[B]{
		groups:      groups,
		lr:          config.LR,
		momentum:    config.Momentum,
		dampening:   config.Dampening,
		weightDecay: config.WeightDecay,
		nesterov:    config.Nesterov,
		buffers:     make(map[*nn.Parameter[B]][]float32),
	}
}

// Step performs a single optimization step.
func (s *SGD[B]) Step(grads map[*tensor.RawTensor]*tensor.RawTensor) {
	for _, group := range s.groups {
		lr := s.lr * group.LRMult
		for _, param := range group.Params {
			grad := getGradient(param, grads)
			if grad == nil {
				continue
			}
			s.update(param, grad, lr)
		}
	}
}

func (s *SGD[B]) update(param *nn.Parameter[B], grad []float32, lr float32) {
	data := param.Tensor().Raw().AsFloat32()
	buf, started := s.buffers[param]
	if s.momentum != 0 && !started {
		buf = make([]float32, len(data))
		s.buffers[param] = buf
	}

	for i := range data {
		g := grad[i]
		if s.weightDecay != 0 {
			g += s.weightDecay * data[i]
		}
		if s.momentum != 0 {
			if started {
				buf[i] = s.momentum*buf[i] + (1-s.dampening)*g
			} else {
				buf[i] = g
			}
			if s.nesterov {
				g += s.momentum * buf[i]
			} else {
				g = buf[i]
			}
		}
		data[i] -= lr * g
	}
}

// ZeroGrad clears gradients for all parameters.
func (s *SGD[B]) ZeroGrad() {
	zeroGrad(s.groups)
}

// GetLR returns the base learning rate.
func (s *SGD[B]) GetLR() float32 {
	return s.lr
}

// SetLR updates the base learning rate.
func (s *SGD[B]) SetLR(lr float32) {
	s.lr = lr
}

// Groups returns the parameter groups.
func (s *SGD[B]) Groups() []ParamGroup[B] {
	return s.groups
}
