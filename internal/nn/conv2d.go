package nn

import (
	"fmt"
	"math"

	"github.com/qdann-ml/qdann/internal/tensor"
)

// Conv2DConfig holds the geometry of a 2D convolution. Zero values mean
// stride 1, no padding, dilation 1 and a single group.
type Conv2DConfig struct {
	Stride   int
	Padding  int
	Dilation int
	Groups   int
	Bias     bool
}

// WeightTransform maps the stored weight to the one used by the forward
// pass, for example a quantizer. It must be differentiable through the
// backend so that gradients reach the stored weight.
type WeightTransform[B tensor.Backend] func(w *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B]

// Conv2D implements a 2D convolutional layer.
//
// Input shape:  [batch, in_channels, height, width]
// Output shape: [batch, out_channels, out_height, out_width]
// Weight shape: [out_channels, in_channels/groups, kernel, kernel]
//
// Weights are initialized with PyTorch's default U(-k, k),
// k = 1/sqrt(fan_in); models usually re-initialize them.
//
// Example:
//
//	conv := nn.NewConv2D(64, 64, 3, nn.Conv2DConfig{Padding: 1}, backend)
//	output := conv.Forward(input) // [N, 64, H, W]
type Conv2D[B tensor.Backend] struct {
	inChannels  int
	outChannels int
	kernelSize  int
	params      tensor.Conv2DParams

	weight    *Parameter[B]
	bias      *Parameter[B]
	transform WeightTransform[B]
}

// NewConv2D creates a new Conv2D layer.
//
// Panics if the channel counts are not divisible by the group count.
func NewConv2D[B tensor.Backend](inChannels, outChannels, kernelSize int, cfg Conv2DConfig, backend B) *Conv2D[B] {
	params := tensor.Conv2DParams{
		Stride:   cfg.Stride,
		Padding:  cfg.Padding,
		Dilation: cfg.Dilation,
		Groups:   cfg.Groups,
	}.Normalize()
	if inChannels%params.Groups != 0 || outChannels%params.Groups != 0 {
		panic(fmt.Sprintf("NewConv2D: channels %d -> %d not divisible by %d groups",
			inChannels, outChannels, params.Groups))
	}

	fanIn := inChannels / params.Groups * kernelSize * kernelSize
	bound := 1 / math.Sqrt(float64(fanIn))
	wShape := tensor.Shape{outChannels, inChannels / params.Groups, kernelSize, kernelSize}

	c := &Conv2D[B]{
		inChannels:  inChannels,
		outChannels: outChannels,
		kernelSize:  kernelSize,
		params:      params,
		weight:      NewParameter("weight", Uniform(wShape, bound, backend)),
	}
	if cfg.Bias {
		c.bias = NewParameter("bias", Uniform(tensor.Shape{outChannels}, bound, backend))
	}
	return c
}

// WithWeightTransform sets the transform applied to the weight on every
// forward pass and returns the layer.
func (c *Conv2D[B]) WithWeightTransform(f WeightTransform[B]) *Conv2D[B] {
	c.transform = f
	return c
}

// Forward convolves the input with the (transformed) weight.
func (c *Conv2D[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := input.Shape()
	if len(shape) != 4 || shape[1] != c.inChannels {
		panic(fmt.Sprintf("Conv2D.Forward: expected input [N, %d, H, W], got %v", c.inChannels, shape))
	}

	w := c.weight.Tensor()
	if c.transform != nil {
		w = c.transform(w)
	}

	backend := input.Backend()
	out := tensor.New[float32, B](backend.Conv2D(input.Raw(), w.Raw(), c.params), backend)
	if c.bias != nil {
		out = out.Add(c.bias.Tensor().Reshape(1, c.outChannels, 1, 1))
	}
	return out
}

// Parameters returns [weight] or [weight, bias].
func (c *Conv2D[B]) Parameters() []*Parameter[B] {
	if c.bias != nil {
		return []*Parameter[B]{c.weight, c.bias}
	}
	return []*Parameter[B]{c.weight}
}

// StateDict adds weight (and bias) under prefix.
func (c *Conv2D[B]) StateDict(prefix string, into map[string]*tensor.RawTensor) {
	into[prefix+"weight"] = c.weight.Tensor().Raw()
	if c.bias != nil {
		into[prefix+"bias"] = c.bias.Tensor().Raw()
	}
}

// Weight returns the weight parameter.
func (c *Conv2D[B]) Weight() *Parameter[B] {
	return c.weight
}

// Bias returns the bias parameter, nil when the layer has none.
func (c *Conv2D[B]) Bias() *Parameter[B] {
	return c.bias
}

// InChannels returns the number of input channels.
func (c *Conv2D[B]) InChannels() int {
	return c.inChannels
}

// OutChannels returns the number of output channels.
func (c *Conv2D[B]) OutChannels() int {
	return c.outChannels
}

// KernelSize returns the kernel height and width.
func (c *Conv2D[B]) KernelSize() int {
	return c.kernelSize
}

// Params returns the normalized convolution geometry.
func (c *Conv2D[B]) Params() tensor.Conv2DParams {
	return c.params
}
