package nn

import (
	"fmt"
	"math/rand/v2"

	"github.com/qdann-ml/qdann/internal/tensor"
)

// Dropout zeroes activations with probability p during training and scales
// the survivors by 1/(1-p). In eval mode it is the identity.
type Dropout[B tensor.Backend] struct {
	p        float32
	training bool
	rng      *rand.Rand
}

// NewDropout creates a dropout layer in training mode.
func NewDropout[B tensor.Backend](p float32) *Dropout[B] {
	if p < 0 || p >= 1 {
		panic(fmt.Sprintf("NewDropout: probability must be in [0, 1), got %v", p))
	}
	return &Dropout[B]{p: p, training: true}
}

// WithRand makes the layer draw its masks from rng.
func (d *Dropout[B]) WithRand(rng *rand.Rand) *Dropout[B] {
	d.rng = rng
	return d
}

// Forward applies the dropout mask in training mode.
func (d *Dropout[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if !d.training || d.p == 0 {
		return input
	}
	return Dropout(input, d.p, d.rng)
}

// Parameters returns nil.
func (d *Dropout[B]) Parameters() []*Parameter[B] {
	return nil
}

// SetTrain enables or disables dropout.
func (d *Dropout[B]) SetTrain(training bool) {
	d.training = training
}
