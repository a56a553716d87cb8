package resnet

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/qdann-ml/qdann/internal/nn"
	"github.com/qdann-ml/qdann/internal/quant"
	"github.com/qdann-ml/qdann/internal/tensor"
)

// ResNet is the quantized backbone: a stem, four stages of residual blocks
// and global average pooling. Forward returns the pooled features together
// with the sum of every block's auxiliary loss.
//
// The fc layer is not applied by Forward; it is kept so that pretrained
// state dicts line up and is available through Classify.
type ResNet[B tensor.Backend] struct {
	kind    BlockKind
	opts    Options
	backend B

	conv1   *nn.Conv2D[B]
	bn1     *nn.BatchNorm[B]
	actQ0   *quant.Activation[B]
	maxpool *nn.MaxPool2D[B]
	layers  [4][]Block[B]
	avgpool *nn.GlobalAvgPool[B]
	fc      *nn.Linear[B]

	inplanes int
	dilation int
	conv     quant.ConvFactory[B]
	solver   func() quant.Solver[B]
}

// New builds a backbone from kind and the number of blocks per stage.
func New[B tensor.Backend](kind BlockKind, layers [4]int, opts Options, backend B) (*ResNet[B], error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	dilate := opts.ReplaceStrideWithDilation
	if dilate == nil {
		dilate = []bool{false, false, false}
	}

	r := &ResNet[B]{
		kind:     kind,
		opts:     opts,
		backend:  backend,
		inplanes: 64,
		dilation: 1,
		conv:     quant.NewConvFactory(opts.Quant, backend),
		solver:   newSolverFactory[B](opts),
	}
	r.conv1 = r.conv(3, r.inplanes, 7, 2, 3, 1, 1)
	r.bn1 = nn.NewBatchNorm(r.inplanes, backend)
	r.actQ0 = quant.NewActivation[B](opts.Quant)
	r.maxpool = nn.NewMaxPool2D[B](3, 2, 1)

	planes := [4]int{64, 128, 256, 512}
	for i := range planes {
		stride, dil := 1, false
		if i > 0 {
			stride, dil = 2, dilate[i-1]
		}
		stage, err := r.makeLayer(planes[i], layers[i], stride, dil)
		if err != nil {
			return nil, errors.WithMessagef(err, "layer%d", i+1)
		}
		r.layers[i] = stage
	}
	r.avgpool = nn.NewGlobalAvgPool[B]()
	r.fc = nn.NewLinear(512*kind.Expansion(), opts.NumClasses, backend)

	r.initWeights()
	klog.V(1).Infof("built %s ResNet %v (%s, solver batch %d): %d parameters",
		kind, layers, opts.Quant, opts.SolverBatch(), nn.NumParameters(r.Parameters()))
	return r, nil
}

func (r *ResNet[B]) makeLayer(planes, blocks, stride int, dilate bool) ([]Block[B], error) {
	expansion := r.kind.Expansion()
	previousDilation := r.dilation
	if dilate {
		r.dilation *= stride
		stride = 1
	}

	var downsample *nn.Sequential[B]
	if stride != 1 || r.inplanes != planes*expansion {
		downsample = nn.NewSequential[B](
			conv1x1(r.conv, r.inplanes, planes*expansion, stride),
			nn.NewBatchNorm(planes*expansion, r.backend),
		)
	}

	first, err := r.newBlock(blockConfig[B]{
		inplanes:   r.inplanes,
		planes:     planes,
		stride:     stride,
		downsample: downsample,
		dilation:   previousDilation,
	})
	if err != nil {
		return nil, err
	}
	stage := []Block[B]{first}
	r.inplanes = planes * expansion
	for i := 1; i < blocks; i++ {
		block, err := r.newBlock(blockConfig[B]{
			inplanes: r.inplanes,
			planes:   planes,
			stride:   1,
			dilation: r.dilation,
		})
		if err != nil {
			return nil, err
		}
		stage = append(stage, block)
	}
	return stage, nil
}

func (r *ResNet[B]) newBlock(c blockConfig[B]) (Block[B], error) {
	c.groups = r.opts.Groups
	c.baseWidth = r.opts.WidthPerGroup
	c.quant = r.opts.Quant
	c.conv = r.conv
	c.solver = r.solver
	c.backend = r.backend
	if r.kind == Bottleneck {
		return newBottleneck(c), nil
	}
	return newBasicBlock(c)
}

// initWeights applies Kaiming-normal (fan-out) to every convolution and,
// when requested, zeroes the last BN scale of every residual branch. BN
// layers already start at scale 1, shift 0.
func (r *ResNet[B]) initWeights() {
	state := nn.StateDict(r)
	for name, raw := range state {
		if !isConvWeight(name, raw) {
			continue
		}
		w := tensor.New[float32, B](raw, r.backend)
		fresh := nn.KaimingNormal(raw.Shape(), r.backend)
		copy(w.Data(), fresh.Data())
	}
	if r.opts.ZeroInitResidual {
		r.EachBlock(func(_ string, b Block[B]) {
			nn.Fill(b.ResidualNorm().Weight().Tensor(), 0)
		})
	}
}

func isConvWeight(name string, raw *tensor.RawTensor) bool {
	return raw.DType() == tensor.Float32 && len(raw.Shape()) == 4 && strings.HasSuffix(name, ".weight")
}

// Forward returns the [N, 512*expansion] features and the summed auxiliary
// loss of all blocks.
func (r *ResNet[B]) Forward(x *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], *tensor.Tensor[float32, B]) {
	features, total, _ := r.forward(x, false)
	return features, total
}

// Trace is the result of ForwardTrace.
type Trace[B tensor.Backend] struct {
	Features *tensor.Tensor[float32, B]
	// AuxLoss is the running sum of BlockLosses, in order.
	AuxLoss *tensor.Tensor[float32, B]
	// BlockLosses holds one scalar per block, stage by stage.
	BlockLosses []*tensor.Tensor[float32, B]
}

// ForwardTrace is Forward that also reports every block's auxiliary loss.
func (r *ResNet[B]) ForwardTrace(x *tensor.Tensor[float32, B]) Trace[B] {
	features, total, losses := r.forward(x, true)
	return Trace[B]{Features: features, AuxLoss: total, BlockLosses: losses}
}

func (r *ResNet[B]) forward(x *tensor.Tensor[float32, B], trace bool) (features, total *tensor.Tensor[float32, B], losses []*tensor.Tensor[float32, B]) {
	if shape := x.Shape(); len(shape) != 4 || shape[1] != 3 {
		panic(fmt.Sprintf("ResNet.Forward: expected input [N, 3, H, W], got %v", shape))
	}

	total = zeroLoss(r.backend)
	out := r.actQ0.Forward(r.bn1.Forward(r.conv1.Forward(x))).ReLU()
	out = r.maxpool.Forward(out)

	for _, stage := range r.layers {
		for _, block := range stage {
			var aux *tensor.Tensor[float32, B]
			out, aux = block.Forward(out)
			total = total.Add(aux)
			if trace {
				losses = append(losses, aux)
			}
		}
	}
	return r.avgpool.Forward(out), total, losses
}

// Classify applies the fc layer to features.
func (r *ResNet[B]) Classify(features *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return r.fc.Forward(features)
}

// Parameters returns every trainable parameter, fc included.
func (r *ResNet[B]) Parameters() []*nn.Parameter[B] {
	params := collect[B](r.conv1, r.bn1)
	r.EachBlock(func(_ string, b Block[B]) {
		params = append(params, b.Parameters()...)
	})
	return append(params, r.fc.Parameters()...)
}

// SetTrain switches every batch norm. Block solvers keep their batch size.
func (r *ResNet[B]) SetTrain(training bool) {
	r.bn1.SetTrain(training)
	r.EachBlock(func(_ string, b Block[B]) {
		b.SetTrain(training)
	})
}

// StateDict uses torchvision's names (conv1.weight, layer1.0.bn1.running_mean, fc.bias, ...).
func (r *ResNet[B]) StateDict(prefix string, into map[string]*tensor.RawTensor) {
	r.conv1.StateDict(prefix+"conv1.", into)
	r.bn1.StateDict(prefix+"bn1.", into)
	r.EachBlock(func(name string, b Block[B]) {
		b.StateDict(prefix+name+".", into)
	})
	r.fc.StateDict(prefix+"fc.", into)
}

// EachBlock calls f for every block in forward order with its state dict
// name ("layer2.0").
func (r *ResNet[B]) EachBlock(f func(name string, b Block[B])) {
	for i, stage := range r.layers {
		for j, block := range stage {
			f("layer"+strconv.Itoa(i+1)+"."+strconv.Itoa(j), block)
		}
	}
}

// NumBlocks returns the total number of residual blocks.
func (r *ResNet[B]) NumBlocks() int {
	n := 0
	for _, stage := range r.layers {
		n += len(stage)
	}
	return n
}

// Kind returns the block type.
func (r *ResNet[B]) Kind() BlockKind {
	return r.kind
}

// FeatureDim is the width of the feature vector, 512 * expansion.
func (r *ResNet[B]) FeatureDim() int {
	return 512 * r.kind.Expansion()
}

// Options returns the options the network was built with, defaults applied.
func (r *ResNet[B]) Options() Options {
	return r.opts
}

// FC returns the classification layer.
func (r *ResNet[B]) FC() *nn.Linear[B] {
	return r.fc
}
