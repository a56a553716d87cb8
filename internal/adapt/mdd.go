package adapt

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/qdann-ml/qdann/internal/nn"
	"github.com/qdann-ml/qdann/internal/optim"
	"github.com/qdann-ml/qdann/internal/resnet"
	"github.com/qdann-ml/qdann/internal/tensor"
)

// MDD defaults.
const (
	DefaultBottleneckDim = 1024
	DefaultWidth         = 1024
	DefaultSrcWeight     = 3
	headDropout          = 0.5
)

// Loss input errors.
var (
	// ErrBatchSplit reports a source label count that does not leave both a
	// source and a target part in the batch.
	ErrBatchSplit = errors.New("batch must hold source examples followed by target examples")
	// ErrLabelRange reports a source label outside [0, num_classes).
	ErrLabelRange = errors.New("source label out of range")
)

// MDDConfig configures the MDD network and loss.
type MDDConfig struct {
	// NoBottleneck feeds the backbone features to the classifiers directly.
	NoBottleneck bool `yaml:"no_bottleneck"`
	// BottleneckDim is the width of the bottleneck projection (1024).
	BottleneckDim int `yaml:"bottleneck_dim"`
	// Width is the hidden width of both classifiers (1024).
	Width      int `yaml:"width"`
	NumClasses int `yaml:"num_classes"`
	// SrcWeight scales the adversarial source loss (3). Zero selects the default.
	SrcWeight float32 `yaml:"src_weight"`
	// ComplementEpsilon, when positive, clamps 1-softmax from below before
	// the log of the adversarial target loss. Zero leaves it unguarded.
	ComplementEpsilon float32  `yaml:"complement_epsilon"`
	Schedule          Schedule `yaml:"schedule"`
}

// DefaultMDDConfig returns the Office-31 configuration.
func DefaultMDDConfig() MDDConfig {
	return MDDConfig{
		BottleneckDim: DefaultBottleneckDim,
		Width:         DefaultWidth,
		NumClasses:    DefaultNumClasses,
		SrcWeight:     DefaultSrcWeight,
		Schedule:      DefaultSchedule,
	}
}

func (c MDDConfig) withDefaults() MDDConfig {
	if c.BottleneckDim == 0 {
		c.BottleneckDim = DefaultBottleneckDim
	}
	if c.Width == 0 {
		c.Width = DefaultWidth
	}
	if c.NumClasses == 0 {
		c.NumClasses = DefaultNumClasses
	}
	if c.SrcWeight == 0 {
		c.SrcWeight = DefaultSrcWeight
	}
	if c.Schedule == (Schedule{}) {
		c.Schedule = DefaultSchedule
	}
	return c
}

// Validate checks c after defaults are applied.
func (c MDDConfig) Validate() error {
	c = c.withDefaults()
	if c.BottleneckDim < 1 || c.Width < 1 || c.NumClasses < 2 {
		return errors.Wrapf(ErrInvalidHead, "bottleneck_dim=%d width=%d num_classes=%d",
			c.BottleneckDim, c.Width, c.NumClasses)
	}
	if c.SrcWeight < 0 || c.ComplementEpsilon < 0 || c.ComplementEpsilon >= 1 {
		return errors.Wrapf(ErrInvalidHead, "src_weight=%g complement_epsilon=%g", c.SrcWeight, c.ComplementEpsilon)
	}
	return c.Schedule.Validate()
}

// MDDOutput is the result of MDDNet.Forward.
type MDDOutput[B tensor.Backend] struct {
	// Features are the (bottlenecked) features fed to both classifiers.
	Features       *tensor.Tensor[float32, B]
	Outputs        *tensor.Tensor[float32, B]
	SoftmaxOutputs *tensor.Tensor[float32, B]
	// OutputsAdv come from the adversarial classifier, which sees the
	// features through the reversal layer.
	OutputsAdv *tensor.Tensor[float32, B]
	AuxLoss    *tensor.Tensor[float32, B]
}

// MDDNet is a backbone, an optional bottleneck projection and the main and
// adversarial classifiers.
type MDDNet[B tensor.Backend] struct {
	backbone   Backbone[B]
	width      int
	bottleneck *nn.Sequential[B]
	classifier *nn.Sequential[B]
	adversary  *nn.Sequential[B]
	schedule   Schedule
}

// NewMDDNet builds the MDD network on backbone.
func NewMDDNet[B tensor.Backend](backbone Backbone[B], cfg MDDConfig, backend B) (*MDDNet[B], error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := &MDDNet[B]{
		backbone: backbone,
		width:    backbone.FeatureDim(),
		schedule: cfg.Schedule,
	}
	in := n.width
	if !cfg.NoBottleneck {
		proj := nn.NewLinear(n.width, cfg.BottleneckDim, backend)
		nn.FillNormal(proj.Weight().Tensor(), 0, 0.005)
		nn.Fill(proj.Bias().Tensor(), 0.1)
		n.bottleneck = nn.NewSequential[B](
			proj,
			nn.NewBatchNorm(cfg.BottleneckDim, backend),
			nn.NewReLU[B](),
			nn.NewDropout[B](headDropout),
		)
		in = cfg.BottleneckDim
	}
	n.classifier = newClassifier(in, cfg.Width, cfg.NumClasses, backend)
	n.adversary = newClassifier(in, cfg.Width, cfg.NumClasses, backend)
	return n, nil
}

func newClassifier[B tensor.Backend](in, width, classes int, backend B) *nn.Sequential[B] {
	hidden := nn.NewLinear(in, width, backend)
	out := nn.NewLinear(width, classes, backend)
	for _, l := range []*nn.Linear[B]{hidden, out} {
		nn.FillNormal(l.Weight().Tensor(), 0, 0.01)
		nn.Fill(l.Bias().Tensor(), 0)
	}
	return nn.NewSequential[B](hidden, nn.NewReLU[B](), nn.NewDropout[B](headDropout), out)
}

// Forward runs the network with the reversal coefficient of iteration iter.
func (n *MDDNet[B]) Forward(x *tensor.Tensor[float32, B], iter int) MDDOutput[B] {
	features, aux := n.backbone.Forward(x)
	features = flatten("MDDNet", features, n.width)
	if n.bottleneck != nil {
		features = n.bottleneck.Forward(features)
	}
	outputs := n.classifier.Forward(features)
	return MDDOutput[B]{
		Features:       features,
		Outputs:        outputs,
		SoftmaxOutputs: outputs.Softmax(1),
		OutputsAdv:     n.adversary.Forward(ReverseGradient(features, n.schedule.Coeff(iter))),
		AuxLoss:        aux,
	}
}

// SetTrain switches batch norm and dropout in every part of the network.
func (n *MDDNet[B]) SetTrain(training bool) {
	n.backbone.SetTrain(training)
	if n.bottleneck != nil {
		n.bottleneck.SetTrain(training)
	}
	n.classifier.SetTrain(training)
	n.adversary.SetTrain(training)
}

// StateDict keeps the backbone names at the top level.
func (n *MDDNet[B]) StateDict(prefix string, into map[string]*tensor.RawTensor) {
	n.backbone.StateDict(prefix, into)
	if n.bottleneck != nil {
		n.bottleneck.StateDict(prefix+"bottleneck_layer.", into)
	}
	n.classifier.StateDict(prefix+"classifier_layer.", into)
	n.adversary.StateDict(prefix+"classifier_layer_2.", into)
}

// Migrations maps every entry onto itself.
func (n *MDDNet[B]) Migrations() []resnet.Migration {
	return resnet.IdentityMigrations(nn.StateDict(n))
}

// ParameterGroups returns the backbone at a tenth of the base rate and the
// bottleneck and both classifiers at the base rate.
func (n *MDDNet[B]) ParameterGroups() []optim.ParamGroup[B] {
	groups := []optim.ParamGroup[B]{{Name: "backbone", Params: n.backbone.Parameters(), LRMult: 0.1}}
	if n.bottleneck != nil {
		groups = append(groups, optim.ParamGroup[B]{Name: "bottleneck", Params: n.bottleneck.Parameters(), LRMult: 1})
	}
	return append(groups,
		optim.ParamGroup[B]{Name: "classifier", Params: n.classifier.Parameters(), LRMult: 1},
		optim.ParamGroup[B]{Name: "classifier_adv", Params: n.adversary.Parameters(), LRMult: 1},
	)
}

// Backbone returns the feature extractor.
func (n *MDDNet[B]) Backbone() Backbone[B] {
	return n.backbone
}

// LossBreakdown holds every term of one MDD loss evaluation.
type LossBreakdown[B tensor.Backend] struct {
	Classifier *tensor.Tensor[float32, B]
	AdvSource  *tensor.Tensor[float32, B]
	AdvTarget  *tensor.Tensor[float32, B]
	// Transfer is SrcWeight*AdvSource + AdvTarget.
	Transfer *tensor.Tensor[float32, B]
	// Total is Classifier + Transfer. The backbone loss is reported
	// separately in AuxLoss.
	Total   *tensor.Tensor[float32, B]
	AuxLoss *tensor.Tensor[float32, B]
	// Coeff is the reversal coefficient used by this evaluation.
	Coeff float32
	// Iter is the iteration count after this evaluation.
	Iter int
}

// MDD owns an MDDNet and the iteration counter that drives its reversal
// schedule. It is not safe for concurrent use.
type MDD[B tensor.Backend] struct {
	net      *MDDNet[B]
	cfg      MDDConfig
	iter     int
	training bool
}

// NewMDD builds an MDD trainer on backbone, in training mode.
func NewMDD[B tensor.Backend](backbone Backbone[B], cfg MDDConfig, backend B) (*MDD[B], error) {
	cfg = cfg.withDefaults()
	net, err := NewMDDNet(backbone, cfg, backend)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("MDD head: bottleneck=%v(%d) width=%d classes=%d src_weight=%g",
		!cfg.NoBottleneck, cfg.BottleneckDim, cfg.Width, cfg.NumClasses, cfg.SrcWeight)
	return &MDD[B]{net: net, cfg: cfg, training: true}, nil
}

// Loss evaluates the MDD objective on inputs, which hold the labeled source
// examples followed by the unlabeled target examples:
//
//  1. classifier = CE(outputs[:ns], labels)
//  2. pseudo = argmax(outputs), not differentiated
//  3. adv_src = CE(outputs_adv[:ns], pseudo[:ns])
//  4. adv_tgt = NLL(log(1 - softmax(outputs_adv[ns:])), pseudo[ns:])
//  5. transfer = SrcWeight*adv_src + adv_tgt
//  6. total = classifier + transfer
//
// The reversal layer uses Coeff(Iter()+1) and the counter is advanced once.
func (m *MDD[B]) Loss(inputs *tensor.Tensor[float32, B], labelsSource *tensor.Tensor[int64, B]) (LossBreakdown[B], error) {
	n := inputs.Shape()[0]
	if len(labelsSource.Shape()) != 1 {
		return LossBreakdown[B]{}, errors.Wrapf(ErrBatchSplit, "labels must be 1-D, got %v", labelsSource.Shape())
	}
	ns := labelsSource.Shape()[0]
	if ns < 1 || ns >= n {
		return LossBreakdown[B]{}, errors.Wrapf(ErrBatchSplit, "%d source labels for a batch of %d", ns, n)
	}
	for i, label := range labelsSource.Data() {
		if label < 0 || int(label) >= m.cfg.NumClasses {
			return LossBreakdown[B]{}, errors.Wrapf(ErrLabelRange, "labels[%d] = %d, num_classes = %d", i, label, m.cfg.NumClasses)
		}
	}

	coeff := m.net.schedule.Coeff(m.iter + 1)
	out := m.net.Forward(inputs, m.iter+1)
	nt := n - ns

	classifier := nn.CrossEntropy(out.Outputs.Narrow(0, 0, ns), labelsSource)

	pseudo := out.Outputs.Detach().Argmax(1)
	advSource := nn.CrossEntropy(out.OutputsAdv.Narrow(0, 0, ns), pseudo.Narrow(0, 0, ns))

	complement := out.OutputsAdv.Narrow(0, ns, nt).Softmax(1).Neg().AddScalar(1)
	if m.cfg.ComplementEpsilon > 0 {
		complement = nn.ClampMin(complement, m.cfg.ComplementEpsilon)
	}
	advTarget := nn.NLLLoss(complement.Log(), pseudo.Narrow(0, ns, nt))

	transfer := advSource.MulScalar(m.cfg.SrcWeight).Add(advTarget)
	m.iter++
	return LossBreakdown[B]{
		Classifier: classifier,
		AdvSource:  advSource,
		AdvTarget:  advTarget,
		Transfer:   transfer,
		Total:      classifier.Add(transfer),
		AuxLoss:    out.AuxLoss,
		Coeff:      coeff,
		Iter:       m.iter,
	}, nil
}

// Predict returns the class probabilities for x. It does not advance the
// iteration counter.
func (m *MDD[B]) Predict(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return m.net.Forward(x, m.iter).SoftmaxOutputs
}

// SetTrain switches the network between training and evaluation.
func (m *MDD[B]) SetTrain(training bool) {
	m.training = training
	m.net.SetTrain(training)
}

// Training reports the current mode.
func (m *MDD[B]) Training() bool {
	return m.training
}

// Iter returns the number of Loss evaluations so far.
func (m *MDD[B]) Iter() int {
	return m.iter
}

// SetIter restores the iteration counter, e.g. when resuming training.
func (m *MDD[B]) SetIter(iter int) {
	m.iter = iter
}

// ParameterGroups returns the network's learning-rate groups.
func (m *MDD[B]) ParameterGroups() []optim.ParamGroup[B] {
	return m.net.ParameterGroups()
}

// StateDict delegates to the network.
func (m *MDD[B]) StateDict(prefix string, into map[string]*tensor.RawTensor) {
	m.net.StateDict(prefix, into)
}

// Migrations delegates to the network.
func (m *MDD[B]) Migrations() []resnet.Migration {
	return m.net.Migrations()
}

// Net returns the underlying network.
func (m *MDD[B]) Net() *MDDNet[B] {
	return m.net
}

// Config returns the configuration with defaults applied.
func (m *MDD[B]) Config() MDDConfig {
	return m.cfg
}
