package nn

import (
	"math/rand/v2"

	"github.com/qdann-ml/qdann/internal/autodiff/ops"
	"github.com/qdann-ml/qdann/internal/tensor"
)

// Optional backend capabilities. The autodiff backend implements all of them
// and records the operation on its tape; plain backends fall back to the
// fused op's forward, which has the same value and no gradient path.
type (
	// ClampMinBackend computes max(x, lower).
	ClampMinBackend interface {
		ClampMin(x *tensor.RawTensor, lower float32) *tensor.RawTensor
	}

	// BatchNormBackend normalizes per channel.
	BatchNormBackend interface {
		BatchNorm(x, gamma, beta *tensor.RawTensor, cfg ops.BatchNormConfig) *tensor.RawTensor
	}

	// DropoutBackend applies inverted dropout.
	DropoutBackend interface {
		Dropout(x *tensor.RawTensor, p float32, rng *rand.Rand) *tensor.RawTensor
	}

	// CrossEntropyBackend computes the fused log-softmax + NLL loss.
	CrossEntropyBackend interface {
		CrossEntropy(logits, targets *tensor.RawTensor) *tensor.RawTensor
	}

	// NLLLossBackend computes the negative log-likelihood of log-probabilities.
	NLLLossBackend interface {
		NLLLoss(input, targets *tensor.RawTensor) *tensor.RawTensor
	}

	// GradReverseBackend records an identity whose gradient is scaled by -coeff.
	GradReverseBackend interface {
		GradReverse(x *tensor.RawTensor, coeff float32) *tensor.RawTensor
	}

	// QuantBackend provides the straight-through quantizers.
	QuantBackend interface {
		FakeQuant(x *tensor.RawTensor, bits int) *tensor.RawTensor
		WeightQuant(w *tensor.RawTensor, bits int) *tensor.RawTensor
	}
)

func wrap[B tensor.Backend](raw *tensor.RawTensor, backend B) *tensor.Tensor[float32, B] {
	return tensor.New[float32, B](raw, backend)
}

// ClampMin returns max(x, lower) elementwise.
func ClampMin[B tensor.Backend](x *tensor.Tensor[float32, B], lower float32) *tensor.Tensor[float32, B] {
	backend := x.Backend()
	if cb, ok := any(backend).(ClampMinBackend); ok {
		return wrap(cb.ClampMin(x.Raw(), lower), backend)
	}
	return wrap(ops.NewClampMinOp(x.Raw(), lower).Output(), backend)
}

// BatchNorm applies batch normalization with the given buffers.
func BatchNorm[B tensor.Backend](x, gamma, beta *tensor.Tensor[float32, B], cfg ops.BatchNormConfig) *tensor.Tensor[float32, B] {
	backend := x.Backend()
	if bb, ok := any(backend).(BatchNormBackend); ok {
		return wrap(bb.BatchNorm(x.Raw(), gamma.Raw(), beta.Raw(), cfg), backend)
	}
	return wrap(ops.NewBatchNormOp(x.Raw(), gamma.Raw(), beta.Raw(), cfg).Output(), backend)
}

// Dropout zeroes elements with probability p and rescales the rest.
func Dropout[B tensor.Backend](x *tensor.Tensor[float32, B], p float32, rng *rand.Rand) *tensor.Tensor[float32, B] {
	backend := x.Backend()
	if db, ok := any(backend).(DropoutBackend); ok {
		return wrap(db.Dropout(x.Raw(), p, rng), backend)
	}
	return wrap(ops.NewDropoutOp(x.Raw(), p, rng).Output(), backend)
}

// CrossEntropy returns the mean cross-entropy of logits [N, C] against class
// indices [N] (int32 or int64).
func CrossEntropy[B tensor.Backend, T tensor.DType](logits *tensor.Tensor[float32, B], targets *tensor.Tensor[T, B]) *tensor.Tensor[float32, B] {
	backend := logits.Backend()
	if cb, ok := any(backend).(CrossEntropyBackend); ok {
		return wrap(cb.CrossEntropy(logits.Raw(), targets.Raw()), backend)
	}
	return wrap(ops.NewCrossEntropyOp(logits.Raw(), targets.Raw()).Output(), backend)
}

// NLLLoss returns the mean of -input[i, targets[i]].
func NLLLoss[B tensor.Backend, T tensor.DType](input *tensor.Tensor[float32, B], targets *tensor.Tensor[T, B]) *tensor.Tensor[float32, B] {
	backend := input.Backend()
	if nb, ok := any(backend).(NLLLossBackend); ok {
		return wrap(nb.NLLLoss(input.Raw(), targets.Raw()), backend)
	}
	return wrap(ops.NewNLLLossOp(input.Raw(), targets.Raw()).Output(), backend)
}

// GradReverse is the identity on the forward pass; its gradient is the
// upstream gradient times -coeff.
func GradReverse[B tensor.Backend](x *tensor.Tensor[float32, B], coeff float32) *tensor.Tensor[float32, B] {
	backend := x.Backend()
	if gb, ok := any(backend).(GradReverseBackend); ok {
		return wrap(gb.GradReverse(x.Raw(), coeff), backend)
	}
	return wrap(ops.NewGradReverseOp(x.Raw(), coeff).Output(), backend)
}

// FakeQuant quantizes activations to 2^bits-1 uniform levels on [0, 1].
func FakeQuant[B tensor.Backend](x *tensor.Tensor[float32, B], bits int) *tensor.Tensor[float32, B] {
	backend := x.Backend()
	if qb, ok := any(backend).(QuantBackend); ok {
		return wrap(qb.FakeQuant(x.Raw(), bits), backend)
	}
	return wrap(ops.NewFakeQuantOp(x.Raw(), bits).Output(), backend)
}

// WeightQuant quantizes a weight tensor to [-1, 1] with bits of precision.
func WeightQuant[B tensor.Backend](w *tensor.Tensor[float32, B], bits int) *tensor.Tensor[float32, B] {
	backend := w.Backend()
	if qb, ok := any(backend).(QuantBackend); ok {
		return wrap(qb.WeightQuant(w.Raw(), bits), backend)
	}
	return wrap(ops.NewWeightQuantOp(w.Raw(), bits).Output(), backend)
}
