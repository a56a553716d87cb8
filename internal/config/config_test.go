package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qdann-ml/qdann/internal/adapt"
	"github.com/qdann-ml/qdann/internal/quant"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "resnet50+mdd W4A4/quantize", cfg.Summary())
	assert.Equal(t, adapt.DefaultSchedule, cfg.MDDConfig().Schedule)
	assert.Equal(t, 31, cfg.DANNConfig().NumClasses)

	opts := cfg.ResNetOptions()
	assert.True(t, opts.Training)
	assert.Equal(t, 32, opts.SolverBatch())
}

func TestParse_OverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
arch: resnet18
head: dann
weight_bits: 2
activation_bits: 8
stage: float
train_batch_size: 16
num_classes: 65
admm:
  rho: 0.01
grl:
  high: 1
optim:
  name: adam
  lr: 0.0003
`))
	require.NoError(t, err)
	assert.Equal(t, "resnet18", cfg.Arch)
	assert.Equal(t, HeadDANN, cfg.Head)
	assert.Equal(t, quant.Config{WeightBits: 2, ActivationBits: 8, Stage: quant.StageFloat}, cfg.Quant())
	assert.Equal(t, 16, cfg.TrainBatchSize)
	assert.Equal(t, 32, cfg.EvalBatchSize, "unset keys keep defaults")
	assert.Equal(t, float32(0.01), cfg.ADMM.Rho)
	assert.Equal(t, adapt.Schedule{Alpha: 1, Low: 0, High: 1, MaxIter: 1000}, cfg.GRL)
	assert.Equal(t, OptimizerAdam, cfg.Optim.Name)
	assert.Equal(t, float32(0.9), cfg.Optim.Momentum)
	assert.Equal(t, 65, cfg.MDDConfig().NumClasses)
}

func TestParse_EmptyIsDefault(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want error
	}{
		{"unknown key", "archh: resnet50", ErrInvalidConfig},
		{"arch", "arch: vgg16", ErrInvalidConfig},
		{"head", "head: cdan", ErrInvalidConfig},
		{"bits", "weight_bits: 0", ErrInvalidConfig},
		{"stage", "stage: ternary", ErrInvalidConfig},
		{"device", "device: cuda", ErrUnsupportedDevice},
		{"unknown device", "device: tpu", ErrInvalidConfig},
		{"batch", "eval_batch_size: -2", ErrInvalidConfig},
		{"classes", "num_classes: 1", ErrInvalidConfig},
		{"grl", "grl: {max_iter: 0}", ErrInvalidConfig},
		{"mdd", "mdd: {complement_epsilon: 2}", ErrInvalidConfig},
		{"optimizer", "optim: {name: rmsprop}", ErrInvalidConfig},
		{"momentum", "optim: {momentum: 1}", ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestLoad_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Head = HeadNone
	cfg.Pretrained = "weights/resnet50.safetensors"
	cfg.MDD.ComplementEpsilon = 1e-6

	data, err := cfg.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), "stage: quantize")

	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
