// Package nn implements the neural network layers the quantized ResNet and
// the adaptation heads are built from.
//
// This package provides:
//   - Module interface: Base interface for all NN components
//   - Parameter: Trainable parameters with gradient tracking
//   - Layers: Linear, Conv2D, BatchNorm, ReLU, MaxPool2D, GlobalAvgPool, Dropout
//   - Sequential: Container for stacking layers
//   - Functional ops and losses: CrossEntropy, NLLLoss, GradReverse, FakeQuant
//   - State dicts: PyTorch-style dotted names for parameters and buffers
//
// Design inspired by PyTorch's nn.Module but adapted for Go generics.
package nn

import (
	"sort"

	"github.com/qdann-ml/qdann/internal/tensor"
)

// Module is the base interface for all neural network components.
//
// Modules can be composed to build complex architectures:
//
//	model := nn.NewSequential[Backend](
//	    nn.NewLinear(2048, 1024, backend),
//	    nn.NewReLU[Backend](),
//	    nn.NewLinear(1024, 31, backend),
//	)
type Module[B tensor.Backend] interface {
	// Forward computes the output of the module given an input tensor.
	Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B]

	// Parameters returns all trainable parameters of this module,
	// including those of nested modules.
	Parameters() []*Parameter[B]
}

// Trainable is implemented by modules whose behavior differs between
// training and evaluation (BatchNorm, Dropout and their containers).
type Trainable interface {
	SetTrain(training bool)
}

// StateDicter is implemented by modules that expose named parameters and
// buffers. Entries are the live tensors: copying into them updates the module.
type StateDicter interface {
	StateDict(prefix string, into map[string]*tensor.RawTensor)
}

// StateDict collects the named tensors of m.
func StateDict(m StateDicter) map[string]*tensor.RawTensor {
	into := make(map[string]*tensor.RawTensor)
	m.StateDict("", into)
	return into
}

// SortedKeys returns the names of a state dict in lexical order.
func SortedKeys(state map[string]*tensor.RawTensor) []string {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SetTrain switches m into training or evaluation mode when it supports it.
func SetTrain(m any, training bool) {
	if t, ok := m.(Trainable); ok {
		t.SetTrain(training)
	}
}

// stateDict asks m for its entries under prefix when it exposes any.
func stateDict(m any, prefix string, into map[string]*tensor.RawTensor) {
	if s, ok := m.(StateDicter); ok {
		s.StateDict(prefix, into)
	}
}
