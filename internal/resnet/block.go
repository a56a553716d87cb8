package resnet

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/qdann-ml/qdann/internal/admm"
	"github.com/qdann-ml/qdann/internal/nn"
	"github.com/qdann-ml/qdann/internal/quant"
	"github.com/qdann-ml/qdann/internal/tensor"
)

// Block is a residual block. Forward returns the block output and a scalar
// auxiliary loss; blocks without a solver return an exact 0.
type Block[B tensor.Backend] interface {
	Forward(x *tensor.Tensor[float32, B]) (out, aux *tensor.Tensor[float32, B])
	Parameters() []*nn.Parameter[B]
	SetTrain(training bool)
	StateDict(prefix string, into map[string]*tensor.RawTensor)
	// ResidualNorm is the last BN of the residual branch.
	ResidualNorm() *nn.BatchNorm[B]
}

// BlockKind selects the residual block type.
type BlockKind int

const (
	// Basic is the two-conv block of resnet18/34.
	Basic BlockKind = iota
	// Bottleneck is the 1x1-3x3-1x1 block of resnet50 and up.
	Bottleneck
)

// Expansion is the ratio of output channels to planes.
func (k BlockKind) Expansion() int {
	if k == Bottleneck {
		return 4
	}
	return 1
}

// String implements fmt.Stringer.
func (k BlockKind) String() string {
	if k == Bottleneck {
		return "Bottleneck"
	}
	return "BasicBlock"
}

// blockConfig carries everything a block constructor needs.
type blockConfig[B tensor.Backend] struct {
	inplanes   int
	planes     int
	stride     int
	downsample *nn.Sequential[B]
	groups     int
	baseWidth  int
	dilation   int

	quant   quant.Config
	conv    quant.ConvFactory[B]
	solver  func() quant.Solver[B]
	backend B
}

func conv3x3[B tensor.Backend](c quant.ConvFactory[B], in, out, stride, groups, dilation int) *nn.Conv2D[B] {
	return c(in, out, 3, stride, dilation, groups, dilation)
}

func conv1x1[B tensor.Backend](c quant.ConvFactory[B], in, out, stride int) *nn.Conv2D[B] {
	return c(in, out, 1, stride, 0, 1, 1)
}

func zeroLoss[B tensor.Backend](backend B) *tensor.Tensor[float32, B] {
	return tensor.Scalar[float32](0, backend)
}

// addResidual adds identity to out and applies ReLU. Mismatched shapes are a
// fatal configuration error.
func addResidual[B tensor.Backend](block string, out, identity *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if !out.Shape().Equal(identity.Shape()) {
		panic(fmt.Sprintf("%s: residual branch %v does not match identity %v", block, out.Shape(), identity.Shape()))
	}
	return out.Add(identity).ReLU()
}

// BasicBlock is conv3x3-bn-q-relu-conv3x3-bn-q plus the identity, then ReLU.
// Its auxiliary loss is always 0.
type BasicBlock[B tensor.Backend] struct {
	conv1      *nn.Conv2D[B]
	bn1        *nn.BatchNorm[B]
	actQ1      *quant.Activation[B]
	conv2      *nn.Conv2D[B]
	bn2        *nn.BatchNorm[B]
	actQ2      *quant.Activation[B]
	downsample *nn.Sequential[B]
	stride     int
	backend    B
}

func newBasicBlock[B tensor.Backend](c blockConfig[B]) (*BasicBlock[B], error) {
	if c.groups != 1 || c.baseWidth != 64 {
		return nil, errors.Wrapf(ErrBasicBlockConfig, "got groups=%d base_width=%d", c.groups, c.baseWidth)
	}
	if c.dilation > 1 {
		return nil, errors.Wrapf(ErrBasicBlockDilation, "got dilation=%d", c.dilation)
	}
	return &BasicBlock[B]{
		conv1:      conv3x3(c.conv, c.inplanes, c.planes, c.stride, 1, 1),
		bn1:        nn.NewBatchNorm(c.planes, c.backend),
		actQ1:      quant.NewActivation[B](c.quant),
		conv2:      conv3x3(c.conv, c.planes, c.planes, 1, 1, 1),
		bn2:        nn.NewBatchNorm(c.planes, c.backend),
		actQ2:      quant.NewActivation[B](c.quant),
		downsample: c.downsample,
		stride:     c.stride,
		backend:    c.backend,
	}, nil
}

// Forward returns the block output and a zero auxiliary loss.
func (b *BasicBlock[B]) Forward(x *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], *tensor.Tensor[float32, B]) {
	identity := x

	out := b.actQ1.Forward(b.bn1.Forward(b.conv1.Forward(x))).ReLU()
	out = b.actQ2.Forward(b.bn2.Forward(b.conv2.Forward(out)))

	if b.downsample != nil {
		identity = b.downsample.Forward(x)
	}
	return addResidual("BasicBlock", out, identity), zeroLoss(b.backend)
}

// Parameters returns the block parameters in declaration order.
func (b *BasicBlock[B]) Parameters() []*nn.Parameter[B] {
	params := collect[B](b.conv1, b.bn1, b.conv2, b.bn2)
	if b.downsample != nil {
		params = append(params, b.downsample.Parameters()...)
	}
	return params
}

// SetTrain switches the batch norms.
func (b *BasicBlock[B]) SetTrain(training bool) {
	b.bn1.SetTrain(training)
	b.bn2.SetTrain(training)
	if b.downsample != nil {
		b.downsample.SetTrain(training)
	}
}

// StateDict uses torchvision's names.
func (b *BasicBlock[B]) StateDict(prefix string, into map[string]*tensor.RawTensor) {
	b.conv1.StateDict(prefix+"conv1.", into)
	b.bn1.StateDict(prefix+"bn1.", into)
	b.conv2.StateDict(prefix+"conv2.", into)
	b.bn2.StateDict(prefix+"bn2.", into)
	if b.downsample != nil {
		b.downsample.StateDict(prefix+"downsample.", into)
	}
}

// ResidualNorm returns bn2.
func (b *BasicBlock[B]) ResidualNorm() *nn.BatchNorm[B] {
	return b.bn2
}

// BottleneckBlock is the ResNet V1.5 bottleneck (stride on the 3x3 conv).
// The activation after bn3 goes through the loss-augmented quantizer, whose
// solver loss is the block's auxiliary loss.
type BottleneckBlock[B tensor.Backend] struct {
	conv1      *nn.Conv2D[B]
	bn1        *nn.BatchNorm[B]
	actQ1      *quant.Activation[B]
	conv2      *nn.Conv2D[B]
	bn2        *nn.BatchNorm[B]
	actQ2      *quant.Activation[B]
	conv3      *nn.Conv2D[B]
	bn3        *nn.BatchNorm[B]
	actQ3      *quant.AuxActivation[B]
	downsample *nn.Sequential[B]
	stride     int
}

func newBottleneck[B tensor.Backend](c blockConfig[B]) *BottleneckBlock[B] {
	width := int(float64(c.planes)*(float64(c.baseWidth)/64)) * c.groups
	outPlanes := c.planes * Bottleneck.Expansion()
	return &BottleneckBlock[B]{
		conv1:      conv1x1(c.conv, c.inplanes, width, 1),
		bn1:        nn.NewBatchNorm(width, c.backend),
		actQ1:      quant.NewActivation[B](c.quant),
		conv2:      conv3x3(c.conv, width, width, c.stride, c.groups, c.dilation),
		bn2:        nn.NewBatchNorm(width, c.backend),
		actQ2:      quant.NewActivation[B](c.quant),
		conv3:      conv1x1(c.conv, width, outPlanes, 1),
		bn3:        nn.NewBatchNorm(outPlanes, c.backend),
		actQ3:      quant.NewAuxActivation(c.quant, c.solver()),
		downsample: c.downsample,
		stride:     c.stride,
	}
}

// Forward returns the block output and the solver's auxiliary loss.
func (b *BottleneckBlock[B]) Forward(x *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], *tensor.Tensor[float32, B]) {
	identity := x

	out := b.actQ1.Forward(b.bn1.Forward(b.conv1.Forward(x))).ReLU()
	out = b.actQ2.Forward(b.bn2.Forward(b.conv2.Forward(out))).ReLU()
	out, aux := b.actQ3.Forward(b.bn3.Forward(b.conv3.Forward(out)))

	if b.downsample != nil {
		identity = b.downsample.Forward(x)
	}
	return addResidual("Bottleneck", out, identity), aux
}

// Parameters returns the block parameters in declaration order.
func (b *BottleneckBlock[B]) Parameters() []*nn.Parameter[B] {
	params := collect[B](b.conv1, b.bn1, b.conv2, b.bn2, b.conv3, b.bn3)
	if b.downsample != nil {
		params = append(params, b.downsample.Parameters()...)
	}
	return params
}

// SetTrain switches the batch norms. The solver keeps the batch dimension
// it was built with.
func (b *BottleneckBlock[B]) SetTrain(training bool) {
	b.bn1.SetTrain(training)
	b.bn2.SetTrain(training)
	b.bn3.SetTrain(training)
	if b.downsample != nil {
		b.downsample.SetTrain(training)
	}
}

// StateDict uses torchvision's names. Solver state is not part of it.
func (b *BottleneckBlock[B]) StateDict(prefix string, into map[string]*tensor.RawTensor) {
	b.conv1.StateDict(prefix+"conv1.", into)
	b.bn1.StateDict(prefix+"bn1.", into)
	b.conv2.StateDict(prefix+"conv2.", into)
	b.bn2.StateDict(prefix+"bn2.", into)
	b.conv3.StateDict(prefix+"conv3.", into)
	b.bn3.StateDict(prefix+"bn3.", into)
	if b.downsample != nil {
		b.downsample.StateDict(prefix+"downsample.", into)
	}
}

// ResidualNorm returns bn3.
func (b *BottleneckBlock[B]) ResidualNorm() *nn.BatchNorm[B] {
	return b.bn3
}

// Solver returns the block's auxiliary solver.
func (b *BottleneckBlock[B]) Solver() quant.Solver[B] {
	return b.actQ3.Solver()
}

func collect[B tensor.Backend](modules ...nn.Module[B]) []*nn.Parameter[B] {
	var params []*nn.Parameter[B]
	for _, m := range modules {
		params = append(params, m.Parameters()...)
	}
	return params
}

// newSolverFactory returns a constructor of per-block solvers bound to the
// batch dimension selected by opts.
func newSolverFactory[B tensor.Backend](opts Options) func() quant.Solver[B] {
	batch := opts.SolverBatch()
	project := quant.GridProjector(opts.Quant)
	return func() quant.Solver[B] {
		return admm.New[B](batch, opts.ADMM, project)
	}
}
