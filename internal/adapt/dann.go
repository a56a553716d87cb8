package adapt

import (
	"github.com/pkg/errors"

	"github.com/qdann-ml/qdann/internal/nn"
	"github.com/qdann-ml/qdann/internal/optim"
	"github.com/qdann-ml/qdann/internal/resnet"
	"github.com/qdann-ml/qdann/internal/tensor"
)

// DefaultNumClasses is the class count of the Office-31 benchmark.
const DefaultNumClasses = 31

// ErrInvalidHead reports a head configuration that cannot be built.
var ErrInvalidHead = errors.New("invalid adaptation head")

// DANNConfig configures a DANN head.
type DANNConfig struct {
	// NumClasses is the class classifier width (31).
	NumClasses int `yaml:"num_classes"`
}

// DANN is a backbone followed by a linear class classifier and, behind a
// gradient-reversal layer, a linear two-way domain classifier.
type DANN[B tensor.Backend] struct {
	backbone Backbone[B]
	width    int
	classes  int

	classifier *nn.Linear[B]
	domain     *nn.Linear[B]
}

// NewDANN builds the heads for backbone's feature width.
func NewDANN[B tensor.Backend](backbone Backbone[B], cfg DANNConfig, backend B) (*DANN[B], error) {
	if cfg.NumClasses == 0 {
		cfg.NumClasses = DefaultNumClasses
	}
	if cfg.NumClasses < 2 {
		return nil, errors.Wrapf(ErrInvalidHead, "num_classes must be at least 2, got %d", cfg.NumClasses)
	}
	width := backbone.FeatureDim()
	return &DANN[B]{
		backbone:   backbone,
		width:      width,
		classes:    cfg.NumClasses,
		classifier: nn.NewLinear(width, cfg.NumClasses, backend),
		domain:     nn.NewLinear(width, 2, backend),
	}, nil
}

// Forward returns the class logits [N, classes], the domain logits [N, 2]
// and the backbone's auxiliary loss. The domain classifier sees the
// features through ReverseGradient(alpha).
func (d *DANN[B]) Forward(x *tensor.Tensor[float32, B], alpha float32) (classLogits, domainLogits, aux *tensor.Tensor[float32, B]) {
	features, aux := d.backbone.Forward(x)
	features = flatten("DANN", features, d.width)
	classLogits = d.classifier.Forward(features)
	domainLogits = d.domain.Forward(ReverseGradient(features, alpha))
	return classLogits, domainLogits, aux
}

// Parameters returns backbone parameters followed by both classifiers.
func (d *DANN[B]) Parameters() []*nn.Parameter[B] {
	params := d.backbone.Parameters()
	params = append(params, d.classifier.Parameters()...)
	return append(params, d.domain.Parameters()...)
}

// ParameterGroups puts every parameter in one group at the base rate.
func (d *DANN[B]) ParameterGroups() []optim.ParamGroup[B] {
	return optim.SingleGroup(d.Parameters())
}

// SetTrain switches the backbone between training and evaluation.
func (d *DANN[B]) SetTrain(training bool) {
	d.backbone.SetTrain(training)
}

// StateDict keeps the backbone names at the top level so backbone weights
// load by name.
func (d *DANN[B]) StateDict(prefix string, into map[string]*tensor.RawTensor) {
	d.backbone.StateDict(prefix, into)
	d.classifier.StateDict(prefix+"class_classifier.", into)
	d.domain.StateDict(prefix+"domain_classifier.", into)
}

// NumClasses returns the class classifier width.
func (d *DANN[B]) NumClasses() int {
	return d.classes
}

// Backbone returns the feature extractor.
func (d *DANN[B]) Backbone() Backbone[B] {
	return d.backbone
}

// Migrations maps every entry onto itself, so a torchvision backbone state
// dict fills the backbone and leaves both classifiers initialized.
func (d *DANN[B]) Migrations() []resnet.Migration {
	return resnet.IdentityMigrations(nn.StateDict(d))
}
