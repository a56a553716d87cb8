package quant

import (
	"math"

	"k8s.io/klog/v2"

	"github.com/qdann-ml/qdann/internal/nn"
	"github.com/qdann-ml/qdann/internal/tensor"
)

// ConvFactory builds bias-free convolutions whose weights pass through the
// weight quantizer on every forward pass.
type ConvFactory[B tensor.Backend] func(in, out, kernel, stride, padding, groups, dilation int) *nn.Conv2D[B]

// NewConvFactory returns the convolution constructor for cfg.
func NewConvFactory[B tensor.Backend](cfg Config, backend B) ConvFactory[B] {
	bits := cfg.EffectiveWeightBits()
	return func(in, out, kernel, stride, padding, groups, dilation int) *nn.Conv2D[B] {
		conv := nn.NewConv2D(in, out, kernel, nn.Conv2DConfig{
			Stride:   stride,
			Padding:  padding,
			Dilation: dilation,
			Groups:   groups,
		}, backend)
		klog.V(3).Infof("quantized conv %d->%d k=%d s=%d g=%d d=%d w%d", in, out, kernel, stride, groups, dilation, bits)
		if bits >= FullPrecision {
			return conv
		}
		return conv.WithWeightTransform(func(w *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
			return nn.WeightQuant(w, bits)
		})
	}
}

// Activation quantizes activations to 2^bits-1 levels on [0, 1] with a
// straight-through gradient. It is the identity at full precision.
type Activation[B tensor.Backend] struct {
	bits int
}

// NewActivation returns the plain activation quantizer for cfg.
func NewActivation[B tensor.Backend](cfg Config) *Activation[B] {
	return &Activation[B]{bits: cfg.EffectiveActivationBits()}
}

// Forward returns the quantized activations.
func (a *Activation[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if a.bits >= FullPrecision {
		return x
	}
	return nn.FakeQuant(x, a.bits)
}

// Parameters returns nil.
func (a *Activation[B]) Parameters() []*nn.Parameter[B] {
	return nil
}

// Bits returns the applied bit-width.
func (a *Activation[B]) Bits() int {
	return a.bits
}

// Solver is the auxiliary routine consulted by AuxActivation. Step receives
// the activations and returns a same-shaped proxy and a non-negative scalar
// loss that stays on the gradient path of x.
type Solver[B tensor.Backend] interface {
	Step(x *tensor.Tensor[float32, B]) (proxy, loss *tensor.Tensor[float32, B])
}

// AuxActivation is the loss-augmented activation quantizer. It quantizes
// like Activation and additionally reports the solver's loss.
type AuxActivation[B tensor.Backend] struct {
	act    *Activation[B]
	solver Solver[B]
}

// NewAuxActivation binds a solver to a new loss-augmented quantizer.
func NewAuxActivation[B tensor.Backend](cfg Config, solver Solver[B]) *AuxActivation[B] {
	return &AuxActivation[B]{act: NewActivation[B](cfg), solver: solver}
}

// Forward returns the quantized activations and the auxiliary loss.
func (a *AuxActivation[B]) Forward(x *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], *tensor.Tensor[float32, B]) {
	_, loss := a.solver.Step(x)
	return a.act.Forward(x), loss
}

// Solver returns the bound solver.
func (a *AuxActivation[B]) Solver() Solver[B] {
	return a.solver
}

// GridProjector returns the projection of activations onto the grid the
// activation quantizer produces for cfg. At full precision it only clamps
// to [0, +inf).
func GridProjector(cfg Config) func(dst, src []float32) {
	bits := cfg.EffectiveActivationBits()
	if bits >= FullPrecision {
		return func(dst, src []float32) {
			for i, v := range src {
				dst[i] = max(v, 0)
			}
		}
	}
	n := math.Exp2(float64(bits)) - 1
	return func(dst, src []float32) {
		for i, v := range src {
			c := math.Min(math.Max(float64(v), 0), 1)
			dst[i] = float32(math.RoundToEven(c*n) / n)
		}
	}
}
