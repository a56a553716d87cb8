package optim

import (
	"math"

	"github.com/qdann-ml/qdann/internal/nn"
	"github.com/qdann-ml/qdann/internal/tensor"
)

// Adam implements the Adam optimizer (Kingma & Ba, 2014) over parameter
// groups:
//
//	m_t = beta1 * m_{t-1} + (1-beta1) * g
//	v_t = beta2 * v_{t-1} + (1-beta2) * g²
//	param -= lr * lr_mult * m_hat / (sqrt(v_hat) + eps)
//
// with the usual bias corrections m_hat = m_t/(1-beta1^t), v_hat = v_t/(1-beta2^t).
type Adam[B tensor.Backend] struct {
	groups []ParamGroup[B]
	lr     float32
	beta1  float32
	beta2  float32
	eps    float32
	t      int
	m      map[*nn.Parameter[B]][]float32
	v      map[*nn.Parameter[B]][]float32
}

// AdamConfig holds configuration for Adam.
type AdamConfig struct {
	LR    float32    // Learning rate (default: 0.001)
	Betas [2]float32 // Running average coefficients (default: [0.9, 0.999])
	Eps   float32    // Denominator term (default: 1e-8)
}

// NewAdam creates an Adam optimizer over groups.
func NewAdam[B tensor.Backend](groups []ParamGroup[B], config AdamConfig) *Adam[B] {
	if config.LR == 0 {
		config.LR = 0.001
	}
	if config.Betas[0] == 0 {
		config.Betas[0] = 0.9
	}
	if config.Betas[1] == 0 {
		config.Betas[1] = 0.999
	}
	if config.Eps == 0 {
		config.Eps = 1e-8
	}
	return &Adam[B]{
		groups: groups,
		lr:     config.LR,
		beta1:  config.Betas[0],
		beta2:  config.Betas[1],
		eps:    config.Eps,
		m:      make(map[*nn.Parameter[B]][]float32),
		v:      make(map[*nn.Parameter[B]][]float32),
	}
}

// Step performs a single optimization step.
func (a *Adam[B]) Step(grads map[*tensor.RawTensor]*tensor.RawTensor) {
	a.t++
	bc1 := float32(1 - math.Pow(float64(a.beta1), float64(a.t)))
	bc2 := float32(1 - math.Pow(float64(a.beta2), float64(a.t)))

	for _, group := range a.groups {
		lr := a.lr * group.LRMult
		for _, param := range group.Params {
			grad := getGradient(param, grads)
			if grad == nil {
				continue
			}
			data := param.Tensor().Raw().AsFloat32()
			m, ok := a.m[param]
			if !ok {
				m = make([]float32, len(data))
				a.m[param] = m
			}
			v, ok := a.v[param]
			if !ok {
				v = make([]float32, len(data))
				a.v[param] = v
			}
			for i, g := range grad {
				m[i] = a.beta1*m[i] + (1-a.beta1)*g
				v[i] = a.beta2*v[i] + (1-a.beta2)*g*g
				mHat := m[i] / bc1
				vHat := v[i] / bc2
				data[i] -= lr * mHat / (float32(math.Sqrt(float64(vHat))) + a.eps)
			}
		}
	}
}

// ZeroGrad clears gradients for all parameters.
func (a *Adam[B]) ZeroGrad() {
	zeroGrad(a.groups)
}

// GetLR returns the base learning rate.
func (a *Adam[B]) GetLR() float32 {
	return a.lr
}

// SetLR updates the base learning rate.
func (a *Adam[B]) SetLR(lr float32) {
	a.lr = lr
}

// GetTimestep returns the number of steps taken.
func (a *Adam[B]) GetTimestep() int {
	return a.t
}
