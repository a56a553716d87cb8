// Copyright 2025 The qdann Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package models

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/qdann-ml/qdann/internal/adapt"
	"github.com/qdann-ml/qdann/internal/admm"
	"github.com/qdann-ml/qdann/internal/quant"
	"github.com/qdann-ml/qdann/internal/resnet"
	"github.com/qdann-ml/qdann/internal/tensor"
)

// Quant selects the bit-widths of weights and activations. Bits of 32
// disable the corresponding quantizer.
type Quant struct {
	WeightBits     int
	ActivationBits int
	// Float trains in full precision regardless of the bit-widths.
	Float bool
}

func (q Quant) config() quant.Config {
	stage := quant.StageQuantize
	if q.Float {
		stage = quant.StageFloat
	}
	return quant.Config{WeightBits: q.WeightBits, ActivationBits: q.ActivationBits, Stage: stage}
}

// Arch names a backbone architecture ("resnet50", "resnext50_32x4d", ...).
type Arch = resnet.Arch

// Supported architectures.
const (
	ResNet18      = resnet.ResNet18
	ResNet34      = resnet.ResNet34
	ResNet50      = resnet.ResNet50
	ResNet101     = resnet.ResNet101
	ResNet152     = resnet.ResNet152
	ResNeXt50x4d  = resnet.ResNeXt50x4d
	ResNeXt101x8d = resnet.ResNeXt101x8d
	WideResNet50  = resnet.WideResNet50
	WideResNet101 = resnet.WideResNet101
)

// Archs lists the supported architectures.
func Archs() []Arch {
	return resnet.Archs()
}

type (
	// ResNet is a quantized backbone.
	ResNet[B tensor.Backend] = resnet.ResNet[B]
	// DANN is a backbone with class and domain classifiers.
	DANN[B tensor.Backend] = adapt.DANN[B]
	// MDD is a backbone with MDD heads and the MDD loss.
	MDD[B tensor.Backend] = adapt.MDD[B]
	// MDDConfig configures the MDD heads and loss.
	MDDConfig = adapt.MDDConfig
	// LossBreakdown holds every term of an MDD loss evaluation.
	LossBreakdown[B tensor.Backend] = adapt.LossBreakdown[B]
	// Schedule is the gradient-reversal coefficient schedule.
	Schedule = adapt.Schedule
	// MergeReport lists what a pretrained merge did.
	MergeReport = resnet.MergeReport
)

// DefaultMDDConfig returns the Office-31 MDD configuration.
func DefaultMDDConfig() MDDConfig {
	return adapt.DefaultMDDConfig()
}

// Option configures a model constructor.
type Option func(*options)

type options struct {
	backbone   resnet.Options
	pretrained string
	progress   bool
	numClasses int
	mdd        *MDDConfig
	report     *MergeReport
}

// WithPretrained merges the SafeTensors state dict at path into the model.
func WithPretrained(path string) Option {
	return func(o *options) {
		o.pretrained = path
	}
}

// WithProgress shows a progress bar on stderr while merging pretrained weights.
func WithProgress() Option {
	return func(o *options) {
		o.progress = true
	}
}

// WithMergeReport stores the result of the pretrained merge in report.
func WithMergeReport(report *MergeReport) Option {
	return func(o *options) {
		o.report = report
	}
}

// WithBatchSize sets the batch sizes block solvers are bound to in training
// and evaluation mode.
func WithBatchSize(train, eval int) Option {
	return func(o *options) {
		o.backbone.TrainBatchSize = train
		o.backbone.EvalBatchSize = eval
	}
}

// WithEval builds the model for evaluation: solvers use the evaluation batch size.
func WithEval() Option {
	return func(o *options) {
		o.backbone.Training = false
	}
}

// WithNumClasses sets the class count: the fc width of a bare backbone, or
// the classifier width of an adaptation head.
func WithNumClasses(n int) Option {
	return func(o *options) {
		o.numClasses = n
	}
}

// WithZeroInitResidual zero-initializes the last BN scale of every residual branch.
func WithZeroInitResidual() Option {
	return func(o *options) {
		o.backbone.ZeroInitResidual = true
	}
}

// WithADMM sets the activation solver configuration.
func WithADMM(cfg admm.Config) Option {
	return func(o *options) {
		o.backbone.ADMM = cfg
	}
}

// WithMDDConfig replaces DefaultMDDConfig for MDD constructors.
func WithMDDConfig(cfg MDDConfig) Option {
	return func(o *options) {
		o.mdd = &cfg
	}
}

func newOptions(q Quant, opts []Option) *options {
	o := &options{backbone: resnet.DefaultOptions(q.config())}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *options) merge(model resnet.Migratable) error {
	if o.pretrained == "" {
		return nil
	}
	report, err := resnet.LoadPretrained(model, o.pretrained, resnet.MergeOptions{Progress: o.progress})
	if err != nil {
		return errors.WithMessagef(err, "loading pretrained weights from %s", o.pretrained)
	}
	klog.Infof("pretrained %s: %d loaded, %d missing, %d mismatched, %d unused",
		o.pretrained, len(report.Loaded), len(report.Missing), len(report.Mismatched), len(report.Unused))
	if o.report != nil {
		*o.report = report
	}
	return nil
}

// Backbone builds the quantized backbone arch.
func Backbone[B tensor.Backend](arch Arch, backend B, q Quant, opts ...Option) (*ResNet[B], error) {
	o := newOptions(q, opts)
	o.backbone.NumClasses = o.numClasses
	model, err := resnet.Build(arch, o.backbone, backend)
	if err != nil {
		return nil, err
	}
	if err := o.merge(model); err != nil {
		return nil, err
	}
	return model, nil
}

// NewDANN builds a DANN network on an arch backbone.
func NewDANN[B tensor.Backend](arch Arch, backend B, q Quant, opts ...Option) (*DANN[B], error) {
	o := newOptions(q, opts)
	backbone, err := resnet.Build(arch, o.backbone, backend)
	if err != nil {
		return nil, err
	}
	model, err := adapt.NewDANN[B](backbone, adapt.DANNConfig{NumClasses: o.numClasses}, backend)
	if err != nil {
		return nil, err
	}
	if err := o.merge(model); err != nil {
		return nil, err
	}
	return model, nil
}

// NewMDD builds an MDD network on an arch backbone.
func NewMDD[B tensor.Backend](arch Arch, backend B, q Quant, opts ...Option) (*MDD[B], error) {
	o := newOptions(q, opts)
	cfg := adapt.DefaultMDDConfig()
	if o.mdd != nil {
		cfg = *o.mdd
	}
	if o.numClasses != 0 {
		cfg.NumClasses = o.numClasses
	}
	backbone, err := resnet.Build(arch, o.backbone, backend)
	if err != nil {
		return nil, err
	}
	model, err := adapt.NewMDD[B](backbone, cfg, backend)
	if err != nil {
		return nil, err
	}
	if err := o.merge(model); err != nil {
		return nil, err
	}
	return model, nil
}

// ResNet18Quant builds a quantized ResNet-18.
func ResNet18Quant[B tensor.Backend](backend B, q Quant, opts ...Option) (*ResNet[B], error) {
	return Backbone(ResNet18, backend, q, opts...)
}

// ResNet34Quant builds a quantized ResNet-34.
func ResNet34Quant[B tensor.Backend](backend B, q Quant, opts ...Option) (*ResNet[B], error) {
	return Backbone(ResNet34, backend, q, opts...)
}

// ResNet50Quant builds a quantized ResNet-50.
func ResNet50Quant[B tensor.Backend](backend B, q Quant, opts ...Option) (*ResNet[B], error) {
	return Backbone(ResNet50, backend, q, opts...)
}

// ResNet101Quant builds a quantized ResNet-101.
func ResNet101Quant[B tensor.Backend](backend B, q Quant, opts ...Option) (*ResNet[B], error) {
	return Backbone(ResNet101, backend, q, opts...)
}

// ResNet152Quant builds a quantized ResNet-152.
func ResNet152Quant[B tensor.Backend](backend B, q Quant, opts ...Option) (*ResNet[B], error) {
	return Backbone(ResNet152, backend, q, opts...)
}

// ResNet50DANN builds DANN on a quantized ResNet-50.
func ResNet50DANN[B tensor.Backend](backend B, q Quant, opts ...Option) (*DANN[B], error) {
	return NewDANN(ResNet50, backend, q, opts...)
}

// ResNet50MDD builds MDD on a quantized ResNet-50.
func ResNet50MDD[B tensor.Backend](backend B, q Quant, opts ...Option) (*MDD[B], error) {
	return NewMDD(ResNet50, backend, q, opts...)
}
