package nn

import (
	"strconv"

	"github.com/qdann-ml/qdann/internal/tensor"
)

// Sequential is a container that chains modules together.
//
// The output of each module becomes the input to the next. Nested state
// dict entries are prefixed with the module index, as in PyTorch
// ("0.weight", "1.running_mean").
//
// Example:
//
//	head := nn.NewSequential[Backend](
//	    nn.NewLinear(1024, 1024, backend),
//	    nn.NewReLU[Backend](),
//	    nn.NewDropout[Backend](0.5),
//	    nn.NewLinear(1024, 31, backend),
//	)
type Sequential[B tensor.Backend] struct {
	modules []Module[B]
}

// NewSequential creates a new Sequential container.
func NewSequential[B tensor.Backend](modules ...Module[B]) *Sequential[B] {
	return &Sequential[B]{modules: modules}
}

// Forward runs input through every module in order.
func (s *Sequential[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	output := input
	for _, module := range s.modules {
		output = module.Forward(output)
	}
	return output
}

// Parameters returns the parameters of all modules, in order.
func (s *Sequential[B]) Parameters() []*Parameter[B] {
	var params []*Parameter[B]
	for _, module := range s.modules {
		params = append(params, module.Parameters()...)
	}
	return params
}

// SetTrain propagates the mode to every module that has one.
func (s *Sequential[B]) SetTrain(training bool) {
	for _, module := range s.modules {
		SetTrain(module, training)
	}
}

// StateDict adds each module's entries under prefix + index + ".".
func (s *Sequential[B]) StateDict(prefix string, into map[string]*tensor.RawTensor) {
	for i, module := range s.modules {
		stateDict(module, prefix+strconv.Itoa(i)+".", into)
	}
}

// Len returns the number of modules.
func (s *Sequential[B]) Len() int {
	return len(s.modules)
}

// Module returns the module at index i.
func (s *Sequential[B]) Module(i int) Module[B] {
	return s.modules[i]
}
