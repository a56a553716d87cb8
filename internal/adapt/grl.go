// Package adapt implements the domain-adaptation heads that sit on top of a
// quantized backbone: DANN, with a gradient-reversal layer in front of a
// domain classifier, and MDD, with a main and an adversarial classifier.
package adapt

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/qdann-ml/qdann/internal/nn"
	"github.com/qdann-ml/qdann/internal/tensor"
)

// ErrInvalidSchedule reports a reversal schedule that cannot produce a
// bounded coefficient.
var ErrInvalidSchedule = errors.New("invalid gradient reversal schedule")

// Schedule is the saturating ramp of the MDD gradient-reversal coefficient:
//
//	coeff(iter) = 2(High-Low) / (1 + exp(-Alpha*iter/MaxIter)) - (High-Low) + Low
//
// It equals Low at iter 0 and approaches High as iter grows.
type Schedule struct {
	Alpha   float64 `yaml:"alpha"`
	Low     float64 `yaml:"low"`
	High    float64 `yaml:"high"`
	MaxIter int     `yaml:"max_iter"`
}

// DefaultSchedule ramps from 0 to 0.1 over roughly a thousand iterations.
var DefaultSchedule = Schedule{Alpha: 1, Low: 0, High: 0.1, MaxIter: 1000}

// Coeff returns the reversal coefficient at iter.
func (s Schedule) Coeff(iter int) float32 {
	span := s.High - s.Low
	ramp := 2*span/(1+math.Exp(-s.Alpha*float64(iter)/float64(s.MaxIter))) - span + s.Low
	return float32(ramp)
}

// Validate checks that the coefficient stays in [Low, High] and does not
// decrease with iter.
func (s Schedule) Validate() error {
	switch {
	case s.MaxIter <= 0:
		return errors.Wrapf(ErrInvalidSchedule, "max_iter must be positive, got %d", s.MaxIter)
	case s.High < s.Low:
		return errors.Wrapf(ErrInvalidSchedule, "high %g below low %g", s.High, s.Low)
	case s.Alpha < 0 || math.IsNaN(s.Alpha):
		return errors.Wrapf(ErrInvalidSchedule, "alpha must be non-negative, got %g", s.Alpha)
	}
	return nil
}

// ReverseGradient returns x unchanged; on the backward pass the gradient is
// multiplied by -coeff.
func ReverseGradient[B tensor.Backend](x *tensor.Tensor[float32, B], coeff float32) *tensor.Tensor[float32, B] {
	return nn.GradReverse(x, coeff)
}

// Backbone is a feature extractor that reports an auxiliary loss next to
// its features. *resnet.ResNet satisfies it.
type Backbone[B tensor.Backend] interface {
	Forward(x *tensor.Tensor[float32, B]) (features, aux *tensor.Tensor[float32, B])
	FeatureDim() int
	Parameters() []*nn.Parameter[B]
	SetTrain(training bool)
	StateDict(prefix string, into map[string]*tensor.RawTensor)
}

// flatten reshapes backbone features to [N, width]. Any other element count
// means the head was wired to the wrong backbone.
func flatten[B tensor.Backend](head string, features *tensor.Tensor[float32, B], width int) *tensor.Tensor[float32, B] {
	shape := features.Shape()
	if len(shape) == 0 || shape[0] == 0 || features.NumElements() != shape[0]*width {
		panic(fmt.Sprintf("%s: features %v do not flatten to width %d", head, shape, width))
	}
	if len(shape) == 2 {
		return features
	}
	return features.Reshape(shape[0], width)
}
