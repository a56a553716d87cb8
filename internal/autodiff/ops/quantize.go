package ops

import (
	"fmt"
	"math"

	"github.com/qdann-ml/qdann/internal/tensor"
)

// FullPrecisionBits is the bit-width at which quantizers become the identity.
const FullPrecisionBits = 32

// levels returns 2^bits - 1, the number of quantization steps.
func levels(bits int) float64 {
	return math.Exp2(float64(bits)) - 1
}

// uniform rounds v in [0, 1] onto the grid {0, 1/n, ..., 1} with
// round-half-to-even.
func uniform(v float64, n float64) float64 {
	return math.RoundToEven(v*n) / n
}

// FakeQuantOp is the DoReFa activation quantizer:
//
//	y = round(clamp(x, 0, 1) · (2^bits − 1)) / (2^bits − 1)
//
// The backward pass treats rounding as the identity (straight-through
// estimator), so the gradient passes where 0 ≤ x ≤ 1 and is zero elsewhere.
type FakeQuantOp struct {
	input  *tensor.RawTensor
	output *tensor.RawTensor
	bits   int
}

// NewFakeQuantOp quantizes x to bits bits. bits >= 32 is the identity.
func NewFakeQuantOp(x *tensor.RawTensor, bits int) *FakeQuantOp {
	requireFloat32("fake_quant", x)
	if bits < 1 {
		panic(fmt.Sprintf("fake_quant: bits must be >= 1, got %d", bits))
	}
	if bits >= FullPrecisionBits {
		return &FakeQuantOp{input: x, output: x.Clone(), bits: bits}
	}
	n := levels(bits)
	out := mapFloat32(x, func(v float32) float32 {
		c := min(max(float64(v), 0), 1)
		return float32(uniform(c, n))
	})
	return &FakeQuantOp{input: x, output: out, bits: bits}
}

// Backward passes outputGrad inside the clamp range.
func (op *FakeQuantOp) Backward(outputGrad *tensor.RawTensor, _ tensor.Backend) []*tensor.RawTensor {
	if op.bits >= FullPrecisionBits {
		return []*tensor.RawTensor{outputGrad}
	}
	return []*tensor.RawTensor{maskedGrad(outputGrad, op.input, func(v float32) bool { return v >= 0 && v <= 1 })}
}

// Inputs returns [x].
func (op *FakeQuantOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.input} }

// Output returns the quantized tensor.
func (op *FakeQuantOp) Output() *tensor.RawTensor { return op.output }

// WeightQuantOp is the DoReFa weight quantizer.
//
// For bits == 1 with E = mean(|w|):
//
//	w_q = sign(w) · E, backward: identity
//
// For 1 < bits < 32 with M = max(|tanh(w)|):
//
//	w_q = 2 · round((tanh(w)/(2M) + 0.5) · (2^bits − 1)) / (2^bits − 1) − 1
//	backward: (1 − tanh²(w)) / M
//
// E and M are treated as constants in the backward pass.
type WeightQuantOp struct {
	input  *tensor.RawTensor
	output *tensor.RawTensor
	bits   int
	maxAbs float64
}

// NewWeightQuantOp quantizes w to bits bits. bits >= 32 is the identity.
func NewWeightQuantOp(w *tensor.RawTensor, bits int) *WeightQuantOp {
	requireFloat32("weight_quant", w)
	if bits < 1 {
		panic(fmt.Sprintf("weight_quant: bits must be >= 1, got %d", bits))
	}
	op := &WeightQuantOp{input: w, bits: bits}
	src := w.AsFloat32()

	switch {
	case bits >= FullPrecisionBits:
		op.output = w.Clone()

	case bits == 1:
		var e float64
		for _, v := range src {
			e += math.Abs(float64(v))
		}
		e /= float64(len(src))
		op.output = mapFloat32(w, func(v float32) float32 {
			switch {
			case v > 0:
				return float32(e)
			case v < 0:
				return float32(-e)
			default:
				return 0
			}
		})

	default:
		var m float64
		for _, v := range src {
			m = max(m, math.Abs(math.Tanh(float64(v))))
		}
		if m == 0 {
			m = 1
		}
		op.maxAbs = m
		n := levels(bits)
		op.output = mapFloat32(w, func(v float32) float32 {
			t := math.Tanh(float64(v))/(2*m) + 0.5
			return float32(2*uniform(t, n) - 1)
		})
	}
	return op
}

// Backward applies the straight-through derivative of the quantizer.
func (op *WeightQuantOp) Backward(outputGrad *tensor.RawTensor, _ tensor.Backend) []*tensor.RawTensor {
	if op.bits >= FullPrecisionBits || op.bits == 1 {
		return []*tensor.RawTensor{outputGrad}
	}
	grad := newLike(op.input)
	dst, g := grad.AsFloat32(), outputGrad.AsFloat32()
	for i, v := range op.input.AsFloat32() {
		t := math.Tanh(float64(v))
		dst[i] = float32(float64(g[i]) * (1 - t*t) / op.maxAbs)
	}
	return []*tensor.RawTensor{grad}
}

// Inputs returns [w].
func (op *WeightQuantOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.input} }

// Output returns the quantized weights.
func (op *WeightQuantOp) Output() *tensor.RawTensor { return op.output }
