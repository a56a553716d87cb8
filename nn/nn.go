// Copyright 2025 The qdann Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package nn

import (
	"github.com/qdann-ml/qdann/internal/nn"
	"github.com/qdann-ml/qdann/internal/tensor"
)

// Module interface defines the common interface for all neural network modules.
type Module[B tensor.Backend] = nn.Module[B]

// StateDicter is implemented by modules that export named state.
type StateDicter = nn.StateDicter

// Parameter represents a trainable parameter in a neural network.
type Parameter[B tensor.Backend] = nn.Parameter[B]

// NewParameter creates a new parameter with the given name and tensor.
func NewParameter[B tensor.Backend](name string, t *tensor.Tensor[float32, B]) *Parameter[B] {
	return nn.NewParameter(name, t)
}

// AttachGrads sets each parameter's gradient from a Backward result and
// returns how many parameters received one.
func AttachGrads[B tensor.Backend](params []*Parameter[B], grads map[*tensor.RawTensor]*tensor.RawTensor) int {
	return nn.AttachGrads(params, grads)
}

// NumParameters returns the total element count of params.
func NumParameters[B tensor.Backend](params []*Parameter[B]) int {
	return nn.NumParameters(params)
}

// Layers

// Linear represents a fully connected layer.
type Linear[B tensor.Backend] = nn.Linear[B]

// NewLinear creates a linear layer initialized from U(-1/sqrt(in), 1/sqrt(in)).
//
// Example:
//
//	backend := cpu.New()
//	layer := nn.NewLinear(2048, 31, backend)
func NewLinear[B tensor.Backend](inFeatures, outFeatures int, backend B) *Linear[B] {
	return nn.NewLinear(inFeatures, outFeatures, backend)
}

// Conv2D represents a 2D convolutional layer.
type Conv2D[B tensor.Backend] = nn.Conv2D[B]

// Conv2DConfig holds stride, padding, dilation, groups and bias settings.
type Conv2DConfig = nn.Conv2DConfig

// NewConv2D creates a square-kernel 2D convolution.
//
// Example:
//
//	backend := cpu.New()
//	conv := nn.NewConv2D(64, 64, 3, nn.Conv2DConfig{Padding: 1}, backend)
func NewConv2D[B tensor.Backend](inChannels, outChannels, kernelSize int, cfg Conv2DConfig, backend B) *Conv2D[B] {
	return nn.NewConv2D(inChannels, outChannels, kernelSize, cfg, backend)
}

// BatchNorm normalizes over the batch (and spatial) dimensions per channel.
type BatchNorm[B tensor.Backend] = nn.BatchNorm[B]

// NewBatchNorm creates a batch norm layer in training mode.
func NewBatchNorm[B tensor.Backend](numFeatures int, backend B) *BatchNorm[B] {
	return nn.NewBatchNorm(numFeatures, backend)
}

// MaxPool2D represents a 2D max pooling layer.
type MaxPool2D[B tensor.Backend] = nn.MaxPool2D[B]

// NewMaxPool2D creates a max pooling layer. A zero stride equals the kernel size.
func NewMaxPool2D[B tensor.Backend](kernelSize, stride, padding int) *MaxPool2D[B] {
	return nn.NewMaxPool2D[B](kernelSize, stride, padding)
}

// ReLU represents the Rectified Linear Unit activation function.
type ReLU[B tensor.Backend] = nn.ReLU[B]

// NewReLU creates a new ReLU activation layer.
func NewReLU[B tensor.Backend]() *ReLU[B] {
	return nn.NewReLU[B]()
}

// Dropout zeroes elements with probability p in training mode.
type Dropout[B tensor.Backend] = nn.Dropout[B]

// NewDropout creates a dropout layer.
func NewDropout[B tensor.Backend](p float32) *Dropout[B] {
	return nn.NewDropout[B](p)
}

// Sequential chains modules.
type Sequential[B tensor.Backend] = nn.Sequential[B]

// NewSequential creates a container running modules in order.
func NewSequential[B tensor.Backend](modules ...Module[B]) *Sequential[B] {
	return nn.NewSequential[B](modules...)
}

// State

// StateDict returns the named state of m.
func StateDict(m StateDicter) map[string]*tensor.RawTensor {
	return nn.StateDict(m)
}

// SortedKeys returns the names of state in lexical order.
func SortedKeys(state map[string]*tensor.RawTensor) []string {
	return nn.SortedKeys(state)
}

// SetTrain switches m between training and evaluation if it supports it.
func SetTrain(m any, training bool) {
	nn.SetTrain(m, training)
}

// Losses

// CrossEntropy computes the mean cross-entropy of logits against class indices.
func CrossEntropy[B tensor.Backend, T tensor.DType](logits *tensor.Tensor[float32, B], targets *tensor.Tensor[T, B]) *tensor.Tensor[float32, B] {
	return nn.CrossEntropy(logits, targets)
}

// NLLLoss computes the mean negative log-likelihood of log-probabilities.
func NLLLoss[B tensor.Backend, T tensor.DType](input *tensor.Tensor[float32, B], targets *tensor.Tensor[T, B]) *tensor.Tensor[float32, B] {
	return nn.NLLLoss(input, targets)
}
