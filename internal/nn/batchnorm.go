package nn

import (
	"fmt"

	"github.com/qdann-ml/qdann/internal/autodiff/ops"
	"github.com/qdann-ml/qdann/internal/tensor"
)

// Default batch normalization hyperparameters (PyTorch's).
const (
	DefaultBNMomentum = 0.1
	DefaultBNEps      = 1e-5
)

// BatchNorm normalizes each channel of a [N, C] or [N, C, H, W] input.
//
// In training mode it normalizes with the batch statistics and updates the
// running mean and variance; in eval mode it uses the running statistics.
// A new layer starts in training mode with weight 1, bias 0, running mean 0
// and running variance 1.
//
// The same type serves as BatchNorm1d and BatchNorm2d; the state dict uses
// PyTorch's names (weight, bias, running_mean, running_var,
// num_batches_tracked).
type BatchNorm[B tensor.Backend] struct {
	numFeatures int
	momentum    float32
	eps         float32
	training    bool

	weight      *Parameter[B]
	bias        *Parameter[B]
	runningMean *tensor.RawTensor
	runningVar  *tensor.RawTensor
	numBatches  *tensor.RawTensor // int64 scalar
}

// NewBatchNorm creates a batch normalization layer over numFeatures channels.
func NewBatchNorm[B tensor.Backend](numFeatures int, backend B) *BatchNorm[B] {
	shape := tensor.Shape{numFeatures}
	device := backend.Device()

	runningVar := tensor.MustRaw(shape, tensor.Float32, device)
	for i := range runningVar.AsFloat32() {
		runningVar.AsFloat32()[i] = 1
	}

	return &BatchNorm[B]{
		numFeatures: numFeatures,
		momentum:    DefaultBNMomentum,
		eps:         DefaultBNEps,
		training:    true,
		weight:      NewParameter("weight", tensor.Ones[float32](shape, backend)),
		bias:        NewParameter("bias", tensor.Zeros[float32](shape, backend)),
		runningMean: tensor.MustRaw(shape, tensor.Float32, device),
		runningVar:  runningVar,
		numBatches:  tensor.MustRaw(tensor.Shape{}, tensor.Int64, device),
	}
}

// Forward normalizes the input.
func (bn *BatchNorm[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := input.Shape()
	if len(shape) < 2 || shape[1] != bn.numFeatures {
		panic(fmt.Sprintf("BatchNorm.Forward: expected input [N, %d, ...], got %v", bn.numFeatures, shape))
	}
	if bn.training {
		bn.numBatches.AsInt64()[0]++
	}
	return BatchNorm(input, bn.weight.Tensor(), bn.bias.Tensor(), ops.BatchNormConfig{
		RunningMean: bn.runningMean,
		RunningVar:  bn.runningVar,
		Momentum:    bn.momentum,
		Eps:         bn.eps,
		Training:    bn.training,
	})
}

// Parameters returns [weight, bias].
func (bn *BatchNorm[B]) Parameters() []*Parameter[B] {
	return []*Parameter[B]{bn.weight, bn.bias}
}

// SetTrain switches between batch and running statistics.
func (bn *BatchNorm[B]) SetTrain(training bool) {
	bn.training = training
}

// Training reports whether the layer uses batch statistics.
func (bn *BatchNorm[B]) Training() bool {
	return bn.training
}

// StateDict adds parameters and running buffers under prefix.
func (bn *BatchNorm[B]) StateDict(prefix string, into map[string]*tensor.RawTensor) {
	into[prefix+"weight"] = bn.weight.Tensor().Raw()
	into[prefix+"bias"] = bn.bias.Tensor().Raw()
	into[prefix+"running_mean"] = bn.runningMean
	into[prefix+"running_var"] = bn.runningVar
	into[prefix+"num_batches_tracked"] = bn.numBatches
}

// Weight returns the scale parameter (gamma).
func (bn *BatchNorm[B]) Weight() *Parameter[B] {
	return bn.weight
}

// Bias returns the shift parameter (beta).
func (bn *BatchNorm[B]) Bias() *Parameter[B] {
	return bn.bias
}

// RunningMean returns the running mean buffer.
func (bn *BatchNorm[B]) RunningMean() *tensor.RawTensor {
	return bn.runningMean
}

// RunningVar returns the running variance buffer.
func (bn *BatchNorm[B]) RunningVar() *tensor.RawTensor {
	return bn.runningVar
}

// NumBatchesTracked returns how many training batches have been normalized.
func (bn *BatchNorm[B]) NumBatchesTracked() int64 {
	return bn.numBatches.AsInt64()[0]
}
