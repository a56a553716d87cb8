package adapt

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qdann-ml/qdann/internal/autodiff"
	"github.com/qdann-ml/qdann/internal/backend/cpu"
	"github.com/qdann-ml/qdann/internal/nn"
	"github.com/qdann-ml/qdann/internal/tensor"
)

type Backend = *autodiff.AutodiffBackend[*cpu.CPUBackend]

func newBackend() Backend {
	return autodiff.New(cpu.New())
}

// linearBackbone flattens its input and projects it to dim features.
type linearBackbone struct {
	fc       *nn.Linear[Backend]
	aux      float32
	dim      int
	training bool
	backend  Backend
}

func newLinearBackbone(in, dim int, backend Backend) *linearBackbone {
	return &linearBackbone{fc: nn.NewLinear(in, dim, backend), aux: 0.25, dim: dim, training: true, backend: backend}
}

func (b *linearBackbone) Forward(x *tensor.Tensor[float32, Backend]) (*tensor.Tensor[float32, Backend], *tensor.Tensor[float32, Backend]) {
	n := x.Shape()[0]
	return b.fc.Forward(x.Reshape(n, x.NumElements()/n)), tensor.Scalar[float32](b.aux, b.backend)
}

func (b *linearBackbone) FeatureDim() int                      { return b.dim }
func (b *linearBackbone) Parameters() []*nn.Parameter[Backend] { return b.fc.Parameters() }
func (b *linearBackbone) SetTrain(training bool)               { b.training = training }
func (b *linearBackbone) StateDict(prefix string, into map[string]*tensor.RawTensor) {
	b.fc.StateDict(prefix+"fc.", into)
}

func TestSchedule_BoundedAndMonotonic(t *testing.T) {
	for _, s := range []Schedule{DefaultSchedule, {Alpha: 10, Low: 0.2, High: 0.7, MaxIter: 50}} {
		require.NoError(t, s.Validate())
		assert.InDelta(t, s.Low, s.Coeff(0), 1e-7)
		prev := s.Coeff(0)
		for iter := 0; iter <= 20000; iter += 7 {
			c := s.Coeff(iter)
			assert.GreaterOrEqual(t, float64(c), s.Low-1e-7, "iter %d", iter)
			assert.LessOrEqual(t, float64(c), s.High+1e-7, "iter %d", iter)
			assert.GreaterOrEqual(t, c, prev, "iter %d", iter)
			prev = c
		}
	}
	// Half way up the ramp at iter = MaxIter: 2/(1+e^-1) - 1.
	assert.InDelta(t, 0.1*(2/(1+math.Exp(-1))-1), DefaultSchedule.Coeff(1000), 1e-7)
}

func TestSchedule_Validate(t *testing.T) {
	for _, s := range []Schedule{
		{Alpha: 1, High: 0.1},
		{Alpha: 1, Low: 0.5, High: 0.1, MaxIter: 10},
		{Alpha: -1, High: 0.1, MaxIter: 10},
	} {
		assert.True(t, errors.Is(s.Validate(), ErrInvalidSchedule), "%+v", s)
	}
}

func TestReverseGradient(t *testing.T) {
	backend := newBackend()
	backend.Tape().StartRecording()

	x, _ := tensor.FromSlice([]float32{1, 2, 3}, tensor.Shape{3}, backend)
	w, _ := tensor.FromSlice([]float32{1, -2, 4}, tensor.Shape{3}, backend)
	y := ReverseGradient(x, 0.5)
	assert.Equal(t, x.Data(), y.Data())

	grads := autodiff.Backward(y.Mul(w).Sum(), backend)
	assert.Equal(t, []float32{-0.5, 1, -2}, grads[x.Raw()].AsFloat32())
}

func TestDANN_Shapes(t *testing.T) {
	backend := newBackend()
	dann, err := NewDANN[Backend](newLinearBackbone(12, 16, backend), DANNConfig{}, backend)
	require.NoError(t, err)
	assert.Equal(t, 31, dann.NumClasses())

	x := tensor.Randn[float32](tensor.Shape{8, 3, 2, 2}, nil, backend)
	classLogits, domainLogits, aux := dann.Forward(x, 0.5)
	assert.Equal(t, tensor.Shape{8, 31}, classLogits.Shape())
	assert.Equal(t, tensor.Shape{8, 2}, domainLogits.Shape())
	assert.Equal(t, float32(0.25), aux.Item())

	_, err = NewDANN[Backend](newLinearBackbone(12, 16, backend), DANNConfig{NumClasses: 1}, backend)
	assert.True(t, errors.Is(err, ErrInvalidHead))
}

func TestDANN_RepeatableGradientScaling(t *testing.T) {
	backend := newBackend()
	backbone := newLinearBackbone(12, 16, backend)
	dann, err := NewDANN[Backend](backbone, DANNConfig{NumClasses: 5}, backend)
	require.NoError(t, err)
	x := tensor.Randn[float32](tensor.Shape{8, 3, 2, 2}, nil, backend)
	weight := backbone.fc.Weight().Tensor().Raw()

	domainGrad := func(alpha float32) []float32 {
		backend.Tape().Clear()
		backend.Tape().StartRecording()
		_, domainLogits, _ := dann.Forward(x, alpha)
		grads := autodiff.Backward(domainLogits.Sum(), backend)
		backend.Tape().StopRecording()
		require.Contains(t, grads, weight)
		return grads[weight].Clone().AsFloat32()
	}

	first := domainGrad(0.5)
	second := domainGrad(0.5)
	assert.Equal(t, first, second)

	// Coefficient -1 lets the gradient through unchanged.
	plain := domainGrad(-1)
	for i := range plain {
		assert.InDelta(t, -0.5*plain[i], first[i], 1e-6)
	}
}

func TestDANN_FeatureWidthMismatchPanics(t *testing.T) {
	backend := newBackend()
	backbone := newLinearBackbone(12, 16, backend)
	dann, err := NewDANN[Backend](backbone, DANNConfig{}, backend)
	require.NoError(t, err)

	dann.width = 10
	assert.Panics(t, func() {
		dann.Forward(tensor.Randn[float32](tensor.Shape{2, 12}, nil, backend), 1)
	})
}

func TestDANN_StateDictAndMigrations(t *testing.T) {
	backend := newBackend()
	dann, err := NewDANN[Backend](newLinearBackbone(12, 16, backend), DANNConfig{}, backend)
	require.NoError(t, err)

	state := nn.StateDict(dann)
	assert.Equal(t, []string{
		"class_classifier.bias", "class_classifier.weight",
		"domain_classifier.bias", "domain_classifier.weight",
		"fc.bias", "fc.weight",
	}, nn.SortedKeys(state))
	assert.Len(t, dann.Migrations(), 6)
	assert.Len(t, dann.Parameters(), 6)
	assert.Len(t, dann.ParameterGroups(), 1)
}

func smallMDDConfig() MDDConfig {
	cfg := DefaultMDDConfig()
	cfg.BottleneckDim = 8
	cfg.Width = 8
	cfg.NumClasses = 5
	return cfg
}

func labels(t *testing.T, backend Backend, values ...int64) *tensor.Tensor[int64, Backend] {
	t.Helper()
	l, err := tensor.FromSlice(values, tensor.Shape{len(values)}, backend)
	require.NoError(t, err)
	return l
}

func TestMDDNet_ForwardAndInit(t *testing.T) {
	backend := newBackend()
	net, err := NewMDDNet[Backend](newLinearBackbone(12, 16, backend), smallMDDConfig(), backend)
	require.NoError(t, err)

	out := net.Forward(tensor.Randn[float32](tensor.Shape{6, 12}, nil, backend), 0)
	assert.Equal(t, tensor.Shape{6, 8}, out.Features.Shape())
	assert.Equal(t, tensor.Shape{6, 5}, out.Outputs.Shape())
	assert.Equal(t, tensor.Shape{6, 5}, out.OutputsAdv.Shape())
	assert.Equal(t, float32(0.25), out.AuxLoss.Item())
	for row := 0; row < 6; row++ {
		var sum float32
		for c := 0; c < 5; c++ {
			sum += out.SoftmaxOutputs.At(row, c)
		}
		assert.InDelta(t, 1, sum, 1e-5)
	}

	state := nn.StateDict(net)
	for _, v := range state["bottleneck_layer.0.bias"].AsFloat32() {
		assert.Equal(t, float32(0.1), v)
	}
	for _, v := range state["classifier_layer_2.3.bias"].AsFloat32() {
		assert.Equal(t, float32(0), v)
	}
	assert.Contains(t, state, "bottleneck_layer.1.running_mean")
	assert.Contains(t, state, "classifier_layer.0.weight")
	assert.Contains(t, state, "fc.weight")
}

func TestMDD_LossSmallHeads(t *testing.T) {
	backend := newBackend()
	mdd, err := NewMDD[Backend](newLinearBackbone(12, 16, backend), smallMDDConfig(), backend)
	require.NoError(t, err)

	x := tensor.Randn[float32](tensor.Shape{8, 12}, nil, backend)
	loss, err := mdd.Loss(x, labels(t, backend, 0, 1, 2, 4))
	require.NoError(t, err)

	total := loss.Total.Item()
	assert.False(t, math.IsNaN(float64(total)) || math.IsInf(float64(total), 0))
	assert.Greater(t, total, float32(0))
	assert.InDelta(t, loss.Classifier.Item()+loss.Transfer.Item(), total, 1e-5)
	assert.InDelta(t, 3*loss.AdvSource.Item()+loss.AdvTarget.Item(), loss.Transfer.Item(), 1e-5)
	assert.Equal(t, DefaultSchedule.Coeff(1), loss.Coeff)
	assert.Equal(t, 1, loss.Iter)
	assert.Equal(t, 1, mdd.Iter())

	loss, err = mdd.Loss(x, labels(t, backend, 0, 1, 2, 4))
	require.NoError(t, err)
	assert.Equal(t, DefaultSchedule.Coeff(2), loss.Coeff)
	assert.Equal(t, 2, mdd.Iter())
}

func TestMDD_LossInputErrors(t *testing.T) {
	backend := newBackend()
	mdd, err := NewMDD[Backend](newLinearBackbone(12, 16, backend), smallMDDConfig(), backend)
	require.NoError(t, err)
	x := tensor.Randn[float32](tensor.Shape{4, 12}, nil, backend)

	_, err = mdd.Loss(x, labels(t, backend, 0, 1, 2, 3))
	assert.True(t, errors.Is(err, ErrBatchSplit), "no target examples: %v", err)

	_, err = mdd.Loss(x, labels(t, backend, 0, 5))
	assert.True(t, errors.Is(err, ErrLabelRange), "%v", err)

	_, err = mdd.Loss(x, labels(t, backend, -1))
	assert.True(t, errors.Is(err, ErrLabelRange), "%v", err)
	assert.Zero(t, mdd.Iter(), "rejected batches do not advance the counter")
}

// saturate makes both classifiers predict class 0 with probability 1.
func saturate(net *MDDNet[Backend]) {
	for _, seq := range []*nn.Sequential[Backend]{net.classifier, net.adversary} {
		bias := seq.Module(3).(*nn.Linear[Backend]).Bias().Tensor().Data()
		bias[0] = 1000
	}
}

func TestMDD_ComplementEpsilon(t *testing.T) {
	backend := newBackend()
	x := tensor.Randn[float32](tensor.Shape{4, 12}, nil, backend)

	mdd, err := NewMDD[Backend](newLinearBackbone(12, 16, backend), smallMDDConfig(), backend)
	require.NoError(t, err)
	saturate(mdd.Net())
	loss, err := mdd.Loss(x, labels(t, backend, 0, 0))
	require.NoError(t, err)
	assert.True(t, math.IsInf(float64(loss.AdvTarget.Item()), 1), "unguarded complement reaches log(0)")

	cfg := smallMDDConfig()
	cfg.ComplementEpsilon = 1e-6
	guarded, err := NewMDD[Backend](newLinearBackbone(12, 16, backend), cfg, backend)
	require.NoError(t, err)
	saturate(guarded.Net())
	loss, err = guarded.Loss(x, labels(t, backend, 0, 0))
	require.NoError(t, err)
	assert.InDelta(t, -math.Log(1e-6), loss.AdvTarget.Item(), 1e-3)
}

func TestMDD_ParameterGroupsAndGradients(t *testing.T) {
	backend := newBackend()
	mdd, err := NewMDD[Backend](newLinearBackbone(12, 16, backend), smallMDDConfig(), backend)
	require.NoError(t, err)

	groups := mdd.ParameterGroups()
	require.Len(t, groups, 4)
	assert.Equal(t, "backbone", groups[0].Name)
	assert.Equal(t, float32(0.1), groups[0].LRMult)
	for _, g := range groups[1:] {
		assert.Equal(t, float32(1), g.LRMult, g.Name)
	}

	backend.Tape().StartRecording()
	loss, err := mdd.Loss(tensor.Randn[float32](tensor.Shape{8, 12}, nil, backend), labels(t, backend, 1, 2, 3, 4))
	require.NoError(t, err)
	grads := autodiff.Backward(loss.Total, backend)
	for _, g := range groups {
		assert.Equal(t, len(g.Params), nn.AttachGrads(g.Params, grads), g.Name)
	}

	cfg := smallMDDConfig()
	cfg.NoBottleneck = true
	plain, err := NewMDD[Backend](newLinearBackbone(12, 16, backend), cfg, backend)
	require.NoError(t, err)
	assert.Len(t, plain.ParameterGroups(), 3)
}

func TestMDD_PredictAndSetTrain(t *testing.T) {
	backend := newBackend()
	backbone := newLinearBackbone(12, 16, backend)
	mdd, err := NewMDD[Backend](backbone, smallMDDConfig(), backend)
	require.NoError(t, err)

	mdd.SetTrain(false)
	assert.False(t, mdd.Training())
	assert.False(t, backbone.training)

	x := tensor.Randn[float32](tensor.Shape{3, 12}, nil, backend)
	first := mdd.Predict(x)
	second := mdd.Predict(x)
	assert.Equal(t, tensor.Shape{3, 5}, first.Shape())
	assert.Equal(t, first.Data(), second.Data(), "evaluation mode is deterministic")
	assert.Zero(t, mdd.Iter())

	mdd.SetIter(500)
	assert.Equal(t, 500, mdd.Iter())
}

func TestMDDConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultMDDConfig().Validate())
	assert.NoError(t, MDDConfig{}.Validate(), "zero values take defaults")

	bad := DefaultMDDConfig()
	bad.ComplementEpsilon = 1
	assert.True(t, errors.Is(bad.Validate(), ErrInvalidHead))

	bad = DefaultMDDConfig()
	bad.Schedule.High = -1
	assert.True(t, errors.Is(bad.Validate(), ErrInvalidSchedule))
}

func TestMDDConfig_ZeroValueDefaults(t *testing.T) {
	cfg := MDDConfig{}.withDefaults()
	assert.Equal(t, float32(DefaultSrcWeight), cfg.SrcWeight)
	assert.False(t, cfg.NoBottleneck)
	assert.Equal(t, DefaultBottleneckDim, cfg.BottleneckDim)

	backend := newBackend()
	mdd, err := NewMDD[Backend](newLinearBackbone(12, 16, backend), MDDConfig{BottleneckDim: 8, Width: 8, NumClasses: 5}, backend)
	require.NoError(t, err)
	assert.Equal(t, float32(3), mdd.Config().SrcWeight)
	require.NotNil(t, mdd.Net().bottleneck, "bottleneck is on unless disabled")
	assert.Len(t, mdd.ParameterGroups(), 4)

	x := tensor.Randn[float32](tensor.Shape{6, 12}, nil, backend)
	loss, err := mdd.Loss(x, labels(t, backend, 0, 1, 2))
	require.NoError(t, err)
	assert.InDelta(t, 3*loss.AdvSource.Item()+loss.AdvTarget.Item(), loss.Transfer.Item(), 1e-5)
}

// transferGradNorm returns the L1 norm of the backbone weight gradient of
// the transfer loss, which reaches the backbone only through the reversal
// layer.
func transferGradNorm(t *testing.T, mdd *MDD[Backend], backbone *linearBackbone, x *tensor.Tensor[float32, Backend], source *tensor.Tensor[int64, Backend]) (float64, float32) {
	t.Helper()
	backend := backbone.backend
	backend.Tape().Clear()
	backend.Tape().StartRecording()
	loss, err := mdd.Loss(x, source)
	require.NoError(t, err)
	grads := autodiff.Backward(loss.Transfer, backend)
	backend.Tape().StopRecording()

	g, ok := grads[backbone.fc.Weight().Tensor().Raw()]
	require.True(t, ok)
	var norm float64
	for _, v := range g.AsFloat32() {
		norm += math.Abs(float64(v))
	}
	return norm, loss.Coeff
}

func TestMDD_CounterDrivesReversalCoefficient(t *testing.T) {
	backend := newBackend()
	backbone := newLinearBackbone(12, 16, backend)
	cfg := smallMDDConfig()
	cfg.NoBottleneck = true
	cfg.Schedule = Schedule{Alpha: 10, Low: 0, High: 1, MaxIter: 10}
	mdd, err := NewMDD[Backend](backbone, cfg, backend)
	require.NoError(t, err)
	mdd.SetTrain(false)

	x := tensor.Randn[float32](tensor.Shape{8, 12}, nil, backend)
	source := labels(t, backend, 0, 1, 2, 4)

	// A constant schedule of 1 measures the unscaled gradient.
	mdd.net.schedule = Schedule{Alpha: 0, Low: 1, High: 1, MaxIter: 1}
	unit, coeff := transferGradNorm(t, mdd, backbone, x, source)
	require.Equal(t, float32(1), coeff)
	require.Greater(t, unit, 0.0)
	mdd.net.schedule = cfg.Schedule
	mdd.SetIter(0)

	prev := 0.0
	for step := 1; step <= 3; step++ {
		norm, coeff := transferGradNorm(t, mdd, backbone, x, source)
		applied := norm / unit
		assert.Equal(t, cfg.Schedule.Coeff(step), coeff, "step %d", step)
		assert.InEpsilon(t, float64(cfg.Schedule.Coeff(step)), applied, 1e-3, "step %d", step)
		assert.Greater(t, applied, prev, "step %d", step)
		assert.Equal(t, step, mdd.Iter())
		prev = applied
	}
}
