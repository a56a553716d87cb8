package tensor

import "fmt"

// Conv2DParams describes a 2D convolution over NCHW input with an
// [C_out, C_in/groups, KH, KW] kernel. Zero fields mean the PyTorch defaults
// (stride 1, padding 0, dilation 1, groups 1).
type Conv2DParams struct {
	Stride   int
	Padding  int
	Dilation int
	Groups   int
}

// Normalize returns params with zero fields replaced by their defaults.
func (p Conv2DParams) Normalize() Conv2DParams {
	if p.Stride == 0 {
		p.Stride = 1
	}
	if p.Dilation == 0 {
		p.Dilation = 1
	}
	if p.Groups == 0 {
		p.Groups = 1
	}
	return p
}

// OutputSize computes one spatial output dimension.
func (p Conv2DParams) OutputSize(in, kernel int) int {
	p = p.Normalize()
	return (in+2*p.Padding-p.Dilation*(kernel-1)-1)/p.Stride + 1
}

// Conv2DOutputShape validates input and kernel shapes and returns the output shape.
func Conv2DOutputShape(input, kernel Shape, p Conv2DParams) (Shape, error) {
	p = p.Normalize()
	if len(input) != 4 {
		return nil, fmt.Errorf("conv2d: input must be 4D [N,C,H,W], got %v", input)
	}
	if len(kernel) != 4 {
		return nil, fmt.Errorf("conv2d: kernel must be 4D [C_out,C_in/groups,KH,KW], got %v", kernel)
	}
	if input[1] != kernel[1]*p.Groups {
		return nil, fmt.Errorf("conv2d: input channels %d do not match kernel %v with groups=%d", input[1], kernel, p.Groups)
	}
	if kernel[0]%p.Groups != 0 {
		return nil, fmt.Errorf("conv2d: output channels %d not divisible by groups=%d", kernel[0], p.Groups)
	}
	outH := p.OutputSize(input[2], kernel[2])
	outW := p.OutputSize(input[3], kernel[3])
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("conv2d: input %v too small for kernel %v (padding=%d, dilation=%d)", input, kernel, p.Padding, p.Dilation)
	}
	return Shape{input[0], kernel[0], outH, outW}, nil
}

// Pool2DParams describes a 2D max pooling window.
// Padded positions never win the max.
type Pool2DParams struct {
	Kernel  int
	Stride  int
	Padding int
}

// OutputSize computes one spatial output dimension.
func (p Pool2DParams) OutputSize(in int) int {
	stride := p.Stride
	if stride == 0 {
		stride = p.Kernel
	}
	return (in+2*p.Padding-p.Kernel)/stride + 1
}

// Backend defines the interface that all compute backends must implement.
// Backends handle the actual computation for tensor operations.
//
// All methods take *RawTensor operands and return a freshly allocated
// *RawTensor; inputs are never modified. Element-wise binary operations
// broadcast NumPy-style. Shape errors panic.
type Backend interface {
	// Element-wise binary operations (broadcasting).
	Add(a, b *RawTensor) *RawTensor
	Sub(a, b *RawTensor) *RawTensor
	Mul(a, b *RawTensor) *RawTensor
	Div(a, b *RawTensor) *RawTensor

	// Scalar operations.
	MulScalar(x *RawTensor, s float32) *RawTensor
	AddScalar(x *RawTensor, s float32) *RawTensor

	// MatMul multiplies two 2D matrices.
	MatMul(a, b *RawTensor) *RawTensor

	// Shape operations.
	Reshape(t *RawTensor, newShape Shape) *RawTensor
	Transpose(t *RawTensor, axes ...int) *RawTensor
	Narrow(t *RawTensor, dim, start, length int) *RawTensor

	// Convolution and pooling.
	Conv2D(input, kernel *RawTensor, p Conv2DParams) *RawTensor
	Conv2DInputBackward(input, kernel, grad *RawTensor, p Conv2DParams) *RawTensor
	Conv2DKernelBackward(input, kernel, grad *RawTensor, p Conv2DParams) *RawTensor
	MaxPool2D(input *RawTensor, p Pool2DParams) *RawTensor
	MaxPool2DBackward(input, grad *RawTensor, p Pool2DParams) *RawTensor

	// Activations and element-wise math.
	ReLU(x *RawTensor) *RawTensor
	Exp(x *RawTensor) *RawTensor
	Log(x *RawTensor) *RawTensor
	Softmax(x *RawTensor, dim int) *RawTensor

	// Reductions. Sum returns a scalar (shape {}).
	Sum(x *RawTensor) *RawTensor
	SumDim(x *RawTensor, dim int, keepDim bool) *RawTensor
	MeanDim(x *RawTensor, dim int, keepDim bool) *RawTensor
	Argmax(x *RawTensor, dim int) *RawTensor

	// Metadata.
	Name() string
	Device() Device
}
