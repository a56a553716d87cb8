// Package config reads the YAML run configuration: architecture, adaptation
// head, quantization, solver, schedule and optimizer settings.
//
// A configuration is read once and turned into constructor options; nothing
// re-reads it while a model is alive.
package config

import (
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/qdann-ml/qdann/internal/adapt"
	"github.com/qdann-ml/qdann/internal/admm"
	"github.com/qdann-ml/qdann/internal/quant"
	"github.com/qdann-ml/qdann/internal/resnet"
	"github.com/qdann-ml/qdann/internal/tensor"
)

// Configuration errors.
var (
	// ErrInvalidConfig reports an out-of-range or unknown setting.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrUnsupportedDevice reports a device other than the CPU.
	ErrUnsupportedDevice = errors.New("unsupported device")
)

// Head selects the adaptation head on top of the backbone.
type Head string

// Known heads.
const (
	HeadNone Head = "none"
	HeadDANN Head = "dann"
	HeadMDD  Head = "mdd"
)

// Optimizer names.
const (
	OptimizerSGD  = "sgd"
	OptimizerAdam = "adam"
)

// MDD holds the MDD head settings.
type MDD struct {
	NoBottleneck      bool    `yaml:"no_bottleneck"`
	BottleneckDim     int     `yaml:"bottleneck_dim"`
	Width             int     `yaml:"width"`
	SrcWeight         float32 `yaml:"src_weight"`
	ComplementEpsilon float32 `yaml:"complement_epsilon"`
}

// Optim holds optimizer and learning-rate schedule settings.
type Optim struct {
	Name        string  `yaml:"name"`
	LR          float32 `yaml:"lr"`
	Momentum    float32 `yaml:"momentum"`
	WeightDecay float32 `yaml:"weight_decay"`
	Nesterov    bool    `yaml:"nesterov"`
	// Gamma and Power parameterize the inverse decay of the learning rate.
	Gamma float64 `yaml:"gamma"`
	Power float64 `yaml:"power"`
}

// Config is the run configuration.
type Config struct {
	Arch           string      `yaml:"arch"`
	Head           Head        `yaml:"head"`
	WeightBits     int         `yaml:"weight_bits"`
	ActivationBits int         `yaml:"activation_bits"`
	Stage          quant.Stage `yaml:"stage"`

	TrainBatchSize int    `yaml:"train_batch_size"`
	EvalBatchSize  int    `yaml:"eval_batch_size"`
	Device         string `yaml:"device"`

	// Pretrained is an optional SafeTensors file merged into the model.
	Pretrained       string `yaml:"pretrained"`
	NumClasses       int    `yaml:"num_classes"`
	ZeroInitResidual bool   `yaml:"zero_init_residual"`

	ADMM  admm.Config    `yaml:"admm"`
	GRL   adapt.Schedule `yaml:"grl"`
	MDD   MDD            `yaml:"mdd"`
	Optim Optim          `yaml:"optim"`
}

// Default returns the Office-31 MDD configuration on a 4-bit ResNet-50.
func Default() Config {
	return Config{
		Arch:           string(resnet.ResNet50),
		Head:           HeadMDD,
		WeightBits:     4,
		ActivationBits: 4,
		Stage:          quant.StageQuantize,
		TrainBatchSize: resnet.DefaultTrainBatchSize,
		EvalBatchSize:  resnet.DefaultEvalBatchSize,
		Device:         "cpu",
		NumClasses:     adapt.DefaultNumClasses,
		ADMM:           admm.Config{Rho: admm.DefaultRho},
		GRL:            adapt.DefaultSchedule,
		MDD: MDD{
			BottleneckDim: adapt.DefaultBottleneckDim,
			Width:         adapt.DefaultWidth,
			SrcWeight:     adapt.DefaultSrcWeight,
		},
		Optim: Optim{
			Name:        OptimizerSGD,
			LR:          0.004,
			Momentum:    0.9,
			WeightDecay: 5e-4,
			Nesterov:    true,
			Gamma:       0.001,
			Power:       0.75,
		},
	}
}

// Load reads path on top of Default and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to read configuration")
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, errors.WithMessagef(err, "configuration %q", path)
	}
	klog.V(1).Infof("loaded configuration %s: %s", path, cfg.Summary())
	return cfg, nil
}

// Parse decodes YAML on top of Default and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, errors.Wrapf(ErrInvalidConfig, "%v", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Marshal encodes c as YAML.
func (c Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, errors.Wrap(err, "failed to encode configuration")
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to encode configuration")
	}
	return buf.Bytes(), nil
}

// Validate checks every section.
func (c Config) Validate() error {
	if _, err := resnet.FeatureDim(resnet.Arch(c.Arch)); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "arch: %v", err)
	}
	switch c.Head {
	case HeadNone, HeadDANN, HeadMDD:
	default:
		return errors.Wrapf(ErrInvalidConfig, "head must be one of none, dann, mdd; got %q", c.Head)
	}
	if err := c.Quant().Validate(); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "%v", err)
	}
	device, err := tensor.ParseDevice(c.Device)
	if err != nil {
		return errors.Wrapf(ErrInvalidConfig, "%v", err)
	}
	if device != tensor.CPU {
		return errors.Wrapf(ErrUnsupportedDevice, "%s", device)
	}
	if c.TrainBatchSize < 1 || c.EvalBatchSize < 1 {
		return errors.Wrapf(ErrInvalidConfig, "batch sizes must be positive, got train=%d eval=%d",
			c.TrainBatchSize, c.EvalBatchSize)
	}
	if c.NumClasses < 2 {
		return errors.Wrapf(ErrInvalidConfig, "num_classes must be at least 2, got %d", c.NumClasses)
	}
	if c.ADMM.Rho < 0 {
		return errors.Wrapf(ErrInvalidConfig, "admm.rho must be non-negative, got %g", c.ADMM.Rho)
	}
	if err := c.GRL.Validate(); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "grl: %v", err)
	}
	if err := c.MDDConfig().Validate(); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "mdd: %v", err)
	}
	return c.Optim.validate()
}

func (o Optim) validate() error {
	switch strings.ToLower(o.Name) {
	case OptimizerSGD, OptimizerAdam:
	default:
		return errors.Wrapf(ErrInvalidConfig, "optim.name must be sgd or adam, got %q", o.Name)
	}
	if o.LR <= 0 || o.Momentum < 0 || o.Momentum >= 1 || o.WeightDecay < 0 {
		return errors.Wrapf(ErrInvalidConfig, "optim: lr=%g momentum=%g weight_decay=%g", o.LR, o.Momentum, o.WeightDecay)
	}
	if o.Gamma < 0 || o.Power < 0 {
		return errors.Wrapf(ErrInvalidConfig, "optim: gamma=%g power=%g", o.Gamma, o.Power)
	}
	return nil
}

// Quant returns the quantization settings.
func (c Config) Quant() quant.Config {
	return quant.Config{WeightBits: c.WeightBits, ActivationBits: c.ActivationBits, Stage: c.Stage}
}

// ResNetOptions returns backbone options. The solvers are bound to the
// training batch size.
func (c Config) ResNetOptions() resnet.Options {
	return resnet.Options{
		Quant:            c.Quant(),
		ZeroInitResidual: c.ZeroInitResidual,
		Training:         true,
		TrainBatchSize:   c.TrainBatchSize,
		EvalBatchSize:    c.EvalBatchSize,
		ADMM:             c.ADMM,
	}
}

// DANNConfig returns the DANN head settings.
func (c Config) DANNConfig() adapt.DANNConfig {
	return adapt.DANNConfig{NumClasses: c.NumClasses}
}

// MDDConfig returns the MDD head settings.
func (c Config) MDDConfig() adapt.MDDConfig {
	return adapt.MDDConfig{
		NoBottleneck:      c.MDD.NoBottleneck,
		BottleneckDim:     c.MDD.BottleneckDim,
		Width:             c.MDD.Width,
		NumClasses:        c.NumClasses,
		SrcWeight:         c.MDD.SrcWeight,
		ComplementEpsilon: c.MDD.ComplementEpsilon,
		Schedule:          c.GRL,
	}
}

// Summary is a one-line description for logs.
func (c Config) Summary() string {
	return c.Arch + "+" + string(c.Head) + " " + c.Quant().String()
}
