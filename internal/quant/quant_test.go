package quant

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/qdann-ml/qdann/internal/autodiff"
	"github.com/qdann-ml/qdann/internal/backend/cpu"
	"github.com/qdann-ml/qdann/internal/tensor"
)

type Backend = *autodiff.AutodiffBackend[*cpu.CPUBackend]

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		cfg     Config
		wantErr bool
	}{
		{Config{WeightBits: 4, ActivationBits: 4, Stage: StageQuantize}, false},
		{Config{WeightBits: 32, ActivationBits: 1, Stage: StageFloat}, false},
		{Config{WeightBits: 0, ActivationBits: 4}, true},
		{Config{WeightBits: 4, ActivationBits: 33}, true},
		{Config{WeightBits: 4, ActivationBits: 4, Stage: Stage(7)}, true},
	}
	for _, tt := range tests {
		err := tt.cfg.Validate()
		if tt.wantErr {
			assert.True(t, errors.Is(err, ErrInvalidConfig), "%v: got %v", tt.cfg, err)
		} else {
			assert.NoError(t, err, "%v", tt.cfg)
		}
	}
}

func TestStage_Text(t *testing.T) {
	s, err := ParseStage("Quantize")
	require.NoError(t, err)
	assert.Equal(t, StageQuantize, s)

	_, err = ParseStage("calibrate")
	assert.Error(t, err)

	var doc struct {
		Stage Stage `yaml:"stage"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("stage: float\n"), &doc))
	assert.Equal(t, StageFloat, doc.Stage)

	out, err := yaml.Marshal(doc)
	require.NoError(t, err)
	assert.Equal(t, "stage: float\n", string(out))
}

func TestConfig_EffectiveBits(t *testing.T) {
	cfg := Config{WeightBits: 4, ActivationBits: 2, Stage: StageFloat}
	assert.Equal(t, FullPrecision, cfg.EffectiveWeightBits())
	assert.Equal(t, FullPrecision, cfg.EffectiveActivationBits())

	cfg.Stage = StageQuantize
	assert.Equal(t, 4, cfg.EffectiveWeightBits())
	assert.Equal(t, 2, cfg.EffectiveActivationBits())
	assert.Equal(t, "W4A2/quantize", cfg.String())
}

func TestActivation_Forward(t *testing.T) {
	backend := autodiff.New(cpu.New())
	backend.Tape().StartRecording()

	act := NewActivation[Backend](Config{WeightBits: 4, ActivationBits: 1, Stage: StageQuantize})
	x, _ := tensor.FromSlice([]float32{-1, 0.4, 0.6, 3}, tensor.Shape{4}, backend)
	y := act.Forward(x)
	assert.Equal(t, []float32{0, 0, 1, 1}, y.Data())

	grads := autodiff.Backward(y.Sum(), backend)
	assert.Equal(t, []float32{0, 1, 1, 0}, grads[x.Raw()].AsFloat32())
}

func TestActivation_FloatStageIsIdentity(t *testing.T) {
	backend := autodiff.New(cpu.New())
	act := NewActivation[Backend](Config{WeightBits: 4, ActivationBits: 4, Stage: StageFloat})
	x := tensor.Randn[float32](tensor.Shape{3, 3}, nil, backend)
	assert.Same(t, x, act.Forward(x))
	assert.Nil(t, act.Parameters())
}

func TestConvFactory_QuantizesWeights(t *testing.T) {
	backend := autodiff.New(cpu.New())
	cfg := Config{WeightBits: 2, ActivationBits: 4, Stage: StageQuantize}
	conv := NewConvFactory(cfg, backend)(1, 1, 1, 1, 0, 1, 1)
	assert.Nil(t, conv.Bias())
	conv.Weight().Tensor().Data()[0] = 0.3

	x, _ := tensor.FromSlice([]float32{1, -2}, tensor.Shape{1, 1, 1, 2}, backend)
	// A single weight is its own max magnitude and lands on +1.
	assert.InDeltaSlice(t, []float32{1, -2}, conv.Forward(x).Data(), 1e-6)

	full := NewConvFactory(Config{WeightBits: 32, ActivationBits: 32, Stage: StageQuantize}, backend)(1, 1, 1, 1, 0, 1, 1)
	full.Weight().Tensor().Data()[0] = 0.3
	assert.InDeltaSlice(t, []float32{0.3, -0.6}, full.Forward(x).Data(), 1e-6)
}

func TestConvFactory_Geometry(t *testing.T) {
	backend := autodiff.New(cpu.New())
	conv := NewConvFactory(Config{WeightBits: 4, ActivationBits: 4, Stage: StageQuantize}, backend)(64, 64, 3, 2, 2, 32, 2)
	p := conv.Params()
	assert.Equal(t, 2, p.Stride)
	assert.Equal(t, 2, p.Padding)
	assert.Equal(t, 2, p.Dilation)
	assert.Equal(t, 32, p.Groups)
	assert.Equal(t, tensor.Shape{64, 2, 3, 3}, conv.Weight().Tensor().Shape())
}

type fixedSolver struct {
	calls int
	loss  float32
}

func (s *fixedSolver) Step(x *tensor.Tensor[float32, Backend]) (*tensor.Tensor[float32, Backend], *tensor.Tensor[float32, Backend]) {
	s.calls++
	return x.Detach(), tensor.Scalar(s.loss, x.Backend())
}

func TestAuxActivation(t *testing.T) {
	backend := autodiff.New(cpu.New())
	solver := &fixedSolver{loss: 0.25}
	aux := NewAuxActivation[Backend](Config{WeightBits: 4, ActivationBits: 2, Stage: StageQuantize}, solver)

	x, _ := tensor.FromSlice([]float32{0.1, 0.5, 0.9}, tensor.Shape{3}, backend)
	y, loss := aux.Forward(x)
	assert.InDeltaSlice(t, []float32{0, 2.0 / 3, 1}, y.Data(), 1e-6)
	assert.Equal(t, float32(0.25), loss.Item())
	assert.Equal(t, 1, solver.calls)
	assert.Same(t, solver, aux.Solver())
}

func TestGridProjector(t *testing.T) {
	dst := make([]float32, 4)
	GridProjector(Config{WeightBits: 4, ActivationBits: 2, Stage: StageQuantize})(dst, []float32{-1, 0.2, 0.5, 9})
	assert.InDeltaSlice(t, []float32{0, 1.0 / 3, 2.0 / 3, 1}, dst, 1e-6)

	GridProjector(Config{WeightBits: 4, ActivationBits: 2, Stage: StageFloat})(dst, []float32{-1, 0.2, 0.5, 9})
	assert.Equal(t, []float32{0, 0.2, 0.5, 9}, dst)
}
