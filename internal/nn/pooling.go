package nn

import (
	"fmt"

	"github.com/qdann-ml/qdann/internal/tensor"
)

// MaxPool2D applies 2D max pooling over NCHW input.
//
// Padded positions never win the max, matching PyTorch. Padding must not
// exceed half the kernel size.
//
// Example:
//
//	pool := nn.NewMaxPool2D[Backend](3, 2, 1)
//	output := pool.Forward(input) // [N, C, 112, 112] -> [N, C, 56, 56]
type MaxPool2D[B tensor.Backend] struct {
	params tensor.Pool2DParams
}

// NewMaxPool2D creates a max pooling layer. A stride of 0 means the kernel size.
func NewMaxPool2D[B tensor.Backend](kernelSize, stride, padding int) *MaxPool2D[B] {
	if stride == 0 {
		stride = kernelSize
	}
	if kernelSize <= 0 || padding < 0 || 2*padding > kernelSize {
		panic(fmt.Sprintf("NewMaxPool2D: invalid kernel %d / padding %d", kernelSize, padding))
	}
	return &MaxPool2D[B]{params: tensor.Pool2DParams{Kernel: kernelSize, Stride: stride, Padding: padding}}
}

// Forward pools each channel.
func (m *MaxPool2D[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if len(input.Shape()) != 4 {
		panic(fmt.Sprintf("MaxPool2D.Forward: expected 4D input [N, C, H, W], got %v", input.Shape()))
	}
	backend := input.Backend()
	return tensor.New[float32, B](backend.MaxPool2D(input.Raw(), m.params), backend)
}

// Parameters returns nil.
func (m *MaxPool2D[B]) Parameters() []*Parameter[B] {
	return nil
}

// Params returns the pooling geometry.
func (m *MaxPool2D[B]) Params() tensor.Pool2DParams {
	return m.params
}

// GlobalAvgPool averages each channel over its spatial extent and flattens:
// [N, C, H, W] -> [N, C]. It is AdaptiveAvgPool2d((1, 1)) followed by
// flatten(x, 1).
type GlobalAvgPool[B tensor.Backend] struct{}

// NewGlobalAvgPool creates a global average pooling layer.
func NewGlobalAvgPool[B tensor.Backend]() *GlobalAvgPool[B] {
	return &GlobalAvgPool[B]{}
}

// Forward averages over H and W.
func (g *GlobalAvgPool[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := input.Shape()
	if len(shape) != 4 {
		panic(fmt.Sprintf("GlobalAvgPool.Forward: expected 4D input [N, C, H, W], got %v", shape))
	}
	return input.Reshape(shape[0], shape[1], shape[2]*shape[3]).MeanDim(2, false)
}

// Parameters returns nil.
func (g *GlobalAvgPool[B]) Parameters() []*Parameter[B] {
	return nil
}
