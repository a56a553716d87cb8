package optim_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qdann-ml/qdann/internal/autodiff"
	"github.com/qdann-ml/qdann/internal/backend/cpu"
	"github.com/qdann-ml/qdann/internal/nn"
	"github.com/qdann-ml/qdann/internal/optim"
	"github.com/qdann-ml/qdann/internal/tensor"
)

type Backend = *autodiff.AutodiffBackend[*cpu.CPUBackend]

func param(t *testing.T, backend Backend, name string, values ...float32) *nn.Parameter[Backend] {
	t.Helper()
	x, err := tensor.FromSlice(values, tensor.Shape{len(values)}, backend)
	require.NoError(t, err)
	return nn.NewParameter(name, x)
}

func gradOf(p *nn.Parameter[Backend], values ...float32) map[*tensor.RawTensor]*tensor.RawTensor {
	g := tensor.MustRaw(tensor.Shape{len(values)}, tensor.Float32, tensor.CPU)
	copy(g.AsFloat32(), values)
	return map[*tensor.RawTensor]*tensor.RawTensor{p.Tensor().Raw(): g}
}

func TestSGD_SimpleUpdate(t *testing.T) {
	backend := autodiff.New(cpu.New())
	x := param(t, backend, "x", 2)
	opt := optim.NewSGD(optim.SingleGroup([]*nn.Parameter[Backend]{x}), optim.SGDConfig{LR: 0.1})

	opt.Step(gradOf(x, 1))
	assert.InDelta(t, 1.9, x.Tensor().Data()[0], 1e-6)
	assert.Zero(t, backend.Tape().NumOps(), "updates are never recorded")
}

func TestSGD_Momentum(t *testing.T) {
	backend := autodiff.New(cpu.New())
	x := param(t, backend, "x", 1)
	opt := optim.NewSGD(optim.SingleGroup([]*nn.Parameter[Backend]{x}), optim.SGDConfig{LR: 0.1, Momentum: 0.9})

	// buf = 1, x = 1 - 0.1
	opt.Step(gradOf(x, 1))
	assert.InDelta(t, 0.9, x.Tensor().Data()[0], 1e-6)
	// buf = 0.9 + 1 = 1.9, x = 0.9 - 0.19
	opt.Step(gradOf(x, 1))
	assert.InDelta(t, 0.71, x.Tensor().Data()[0], 1e-6)
}

func TestSGD_NesterovAndWeightDecay(t *testing.T) {
	backend := autodiff.New(cpu.New())
	x := param(t, backend, "x", 1)
	opt := optim.NewSGD(optim.SingleGroup([]*nn.Parameter[Backend]{x}),
		optim.SGDConfig{LR: 0.1, Momentum: 0.5, WeightDecay: 0.1, Nesterov: true})

	// g = 1 + 0.1*1 = 1.1, buf = 1.1, g = 1.1 + 0.55 = 1.65
	opt.Step(gradOf(x, 1))
	assert.InDelta(t, 1-0.165, x.Tensor().Data()[0], 1e-6)
}

func TestSGD_GroupMultipliers(t *testing.T) {
	backend := autodiff.New(cpu.New())
	base := param(t, backend, "base", 1, 1)
	head := param(t, backend, "head", 1, 1)
	frozen := param(t, backend, "frozen", 1, 1)

	opt := optim.NewSGD([]optim.ParamGroup[Backend]{
		{Name: "backbone", Params: []*nn.Parameter[Backend]{base}, LRMult: 0.1},
		{Name: "heads", Params: []*nn.Parameter[Backend]{head, frozen}, LRMult: 1},
	}, optim.SGDConfig{LR: 1})

	grads := gradOf(base, 1, 2)
	for k, v := range gradOf(head, 1, 2) {
		grads[k] = v
	}
	opt.Step(grads)

	assert.InDeltaSlice(t, []float32{0.9, 0.8}, base.Tensor().Data(), 1e-6)
	assert.InDeltaSlice(t, []float32{0, -1}, head.Tensor().Data(), 1e-6)
	assert.Equal(t, []float32{1, 1}, frozen.Tensor().Data(), "no gradient, no update")
	assert.Equal(t, 3, optim.NumParams(opt.Groups()))
}

func TestSGD_ZeroGradAndLR(t *testing.T) {
	backend := autodiff.New(cpu.New())
	x := param(t, backend, "x", 1)
	x.SetGrad(tensor.Ones[float32](tensor.Shape{1}, backend))

	var opt optim.Optimizer = optim.NewSGD(optim.SingleGroup([]*nn.Parameter[Backend]{x}), optim.SGDConfig{})
	assert.Equal(t, float32(0.01), opt.GetLR())
	opt.SetLR(0.5)
	assert.Equal(t, float32(0.5), opt.GetLR())
	opt.ZeroGrad()
	assert.Nil(t, x.Grad())
}

func TestAdam_FirstStepMovesByLR(t *testing.T) {
	backend := autodiff.New(cpu.New())
	x := param(t, backend, "x", 1, -1)
	opt := optim.NewAdam(optim.SingleGroup([]*nn.Parameter[Backend]{x}), optim.AdamConfig{LR: 0.01})

	// With bias correction the first update is lr * sign(g).
	opt.Step(gradOf(x, 3, -0.5))
	assert.InDeltaSlice(t, []float32{0.99, -0.99}, x.Tensor().Data(), 1e-5)
	assert.Equal(t, 1, opt.GetTimestep())
}

func TestAdam_ConvergesOnQuadratic(t *testing.T) {
	backend := autodiff.New(cpu.New())
	x := param(t, backend, "x", 5)
	opt := optim.NewAdam(optim.SingleGroup([]*nn.Parameter[Backend]{x}), optim.AdamConfig{LR: 0.1})

	for range 500 {
		backend.Tape().Clear()
		backend.Tape().StartRecording()
		loss := x.Tensor().Mul(x.Tensor()).Sum()
		opt.Step(autodiff.Backward(loss, backend))
	}
	assert.InDelta(t, 0, x.Tensor().Data()[0], 0.25)
}

func TestInvSchedule(t *testing.T) {
	s := optim.DefaultInvSchedule
	assert.Equal(t, float32(0.004), s.LR(0.004, 0))
	want := 0.004 * math.Pow(1+0.001*1000, -0.75)
	assert.InDelta(t, want, s.LR(0.004, 1000), 1e-9)
	assert.Less(t, s.LR(0.004, 2000), s.LR(0.004, 1000))
}
