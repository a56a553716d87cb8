package ops

import "github.com/qdann-ml/qdann/internal/tensor"

// Conv2DOp represents a 2D convolution: output = conv2d(input, kernel).
//
// Backward pass uses the backend's transposed convolution kernels:
//   - grad_input = Conv2DInputBackward(input, kernel, outputGrad)
//   - grad_kernel = Conv2DKernelBackward(input, kernel, outputGrad)
type Conv2DOp struct {
	input  *tensor.RawTensor // [N, C_in, H, W]
	kernel *tensor.RawTensor // [C_out, C_in/groups, KH, KW]
	output *tensor.RawTensor // [N, C_out, H_out, W_out]
	params tensor.Conv2DParams
}

// NewConv2DOp creates a new Conv2DOp.
func NewConv2DOp(input, kernel, output *tensor.RawTensor, params tensor.Conv2DParams) *Conv2DOp {
	return &Conv2DOp{input: input, kernel: kernel, output: output, params: params}
}

// Backward computes gradients for input and kernel.
func (op *Conv2DOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{
		backend.Conv2DInputBackward(op.input, op.kernel, outputGrad, op.params),
		backend.Conv2DKernelBackward(op.input, op.kernel, outputGrad, op.params),
	}
}

// Inputs returns [input, kernel].
func (op *Conv2DOp) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.input, op.kernel}
}

// Output returns the convolution output.
func (op *Conv2DOp) Output() *tensor.RawTensor { return op.output }

// MaxPool2DOp represents 2D max pooling. Gradients flow only to the
// position that won each window.
type MaxPool2DOp struct {
	input  *tensor.RawTensor
	output *tensor.RawTensor
	params tensor.Pool2DParams
}

// NewMaxPool2DOp creates a new MaxPool2DOp.
func NewMaxPool2DOp(input, output *tensor.RawTensor, params tensor.Pool2DParams) *MaxPool2DOp {
	return &MaxPool2DOp{input: input, output: output, params: params}
}

// Backward routes outputGrad to the max positions.
func (op *MaxPool2DOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.MaxPool2DBackward(op.input, outputGrad, op.params)}
}

// Inputs returns [input].
func (op *MaxPool2DOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.input} }

// Output returns the pooled tensor.
func (op *MaxPool2DOp) Output() *tensor.RawTensor { return op.output }
