package resnet

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qdann-ml/qdann/internal/loader"
	"github.com/qdann-ml/qdann/internal/nn"
	"github.com/qdann-ml/qdann/internal/tensor"
)

func filled(shape tensor.Shape, v float32) *tensor.RawTensor {
	raw := tensor.MustRaw(shape, tensor.Float32, tensor.CPU)
	data := raw.AsFloat32()
	for i := range data {
		data[i] = v
	}
	return raw
}

func snapshot(state map[string]*tensor.RawTensor) map[string]*tensor.RawTensor {
	out := make(map[string]*tensor.RawTensor, len(state))
	for k, v := range state {
		out[k] = v.Clone()
	}
	return out
}

func TestMergePretrained_BestEffort(t *testing.T) {
	backend := newBackend()
	model, err := New(Basic, [4]int{1, 1, 1, 1}, smallOptions(1), backend)
	require.NoError(t, err)
	before := snapshot(nn.StateDict(model))

	pretrained := map[string]*tensor.RawTensor{
		"conv1.weight":          filled(tensor.Shape{64, 3, 7, 7}, 0.25),
		"layer1.0.bn1.bias":     filled(tensor.Shape{64}, -1),
		"fc.weight":             filled(tensor.Shape{1000, 512}, 1), // ImageNet head, wrong width
		"layer9.0.conv1.weight": filled(tensor.Shape{1}, 0),
	}

	report := MergePretrained(model, pretrained, MergeOptions{})
	assert.Equal(t, []string{"conv1.weight", "layer1.0.bn1.bias"}, report.Loaded)
	require.Len(t, report.Mismatched, 1)
	assert.Equal(t, "fc.weight", report.Mismatched[0].Target)
	assert.Equal(t, tensor.Shape{10, 512}, report.Mismatched[0].Want)
	assert.Equal(t, tensor.Shape{1000, 512}, report.Mismatched[0].Got)
	assert.Equal(t, []string{"layer9.0.conv1.weight"}, report.Unused)
	assert.Empty(t, report.InvalidTargets)
	assert.Len(t, report.Missing, len(before)-3)

	after := nn.StateDict(model)
	for name, raw := range after {
		switch name {
		case "conv1.weight":
			assert.Equal(t, pretrained[name].AsFloat32(), raw.AsFloat32())
		case "layer1.0.bn1.bias":
			assert.Equal(t, pretrained[name].AsFloat32(), raw.AsFloat32())
		default:
			assert.Equal(t, before[name].Shape(), raw.Shape(), name)
			if raw.DType() == tensor.Float32 {
				assert.Equal(t, before[name].AsFloat32(), raw.AsFloat32(), name)
			}
		}
	}
}

func TestMergePretrained_CustomMigrations(t *testing.T) {
	backend := newBackend()
	model, err := New(Basic, [4]int{1, 1, 1, 1}, smallOptions(1), backend)
	require.NoError(t, err)

	pretrained := map[string]*tensor.RawTensor{
		"module.bn1.weight": filled(tensor.Shape{64}, 2),
	}
	var progress bytes.Buffer
	report := MergePretrained(model, pretrained, MergeOptions{
		Migrations: []Migration{
			{Source: "module.bn1.weight", Target: "bn1.weight"},
			{Source: "module.bn1.bias", Target: "bn9.bias"},
		},
		Progress: true,
		Output:   &progress,
	})

	assert.Equal(t, []string{"bn1.weight"}, report.Loaded)
	assert.Equal(t, []Migration{{Source: "module.bn1.bias", Target: "bn9.bias"}}, report.InvalidTargets)
	assert.Empty(t, report.Unused)
	assert.Equal(t, float32(2), nn.StateDict(model)["bn1.weight"].AsFloat32()[63])
	assert.Contains(t, progress.String(), "merging pretrained weights")
}

func TestMergePretrained_TypeMismatch(t *testing.T) {
	backend := newBackend()
	model, err := New(Basic, [4]int{1, 1, 1, 1}, smallOptions(1), backend)
	require.NoError(t, err)

	counter := tensor.MustRaw(tensor.Shape{}, tensor.Float32, tensor.CPU)
	report := MergePretrained(model, map[string]*tensor.RawTensor{"bn1.num_batches_tracked": counter}, MergeOptions{})
	require.Len(t, report.Mismatched, 1)
	assert.Equal(t, tensor.Int64, report.Mismatched[0].WantType)
	assert.Equal(t, tensor.Float32, report.Mismatched[0].GotType)
	assert.Empty(t, report.Loaded)
}

func TestLoadPretrained_RoundTrip(t *testing.T) {
	backend := newBackend()
	source, err := New(Bottleneck, [4]int{1, 1, 1, 1}, smallOptions(1), backend)
	require.NoError(t, err)
	target, err := New(Bottleneck, [4]int{1, 1, 1, 1}, smallOptions(1), backend)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "backbone.safetensors")
	require.NoError(t, loader.WriteFile(path, nn.StateDict(source), loader.WriteOptions{}))

	report, err := LoadPretrained(target, path, MergeOptions{})
	require.NoError(t, err)
	assert.Empty(t, report.Missing)
	assert.Empty(t, report.Mismatched)
	assert.Empty(t, report.Unused)

	want := nn.StateDict(source)
	got := nn.StateDict(target)
	assert.Len(t, report.Loaded, len(want))
	assert.Equal(t, want["layer4.0.conv2.weight"].AsFloat32(), got["layer4.0.conv2.weight"].AsFloat32())
	assert.Equal(t, want["fc.bias"].AsFloat32(), got["fc.bias"].AsFloat32())

	_, err = LoadPretrained(target, filepath.Join(t.TempDir(), "missing.safetensors"), MergeOptions{})
	assert.Error(t, err)
}

func TestLoadPretrained_SkipsUnsupportedDTypes(t *testing.T) {
	backend := newBackend()
	target, err := New(Bottleneck, [4]int{1, 1, 1, 1}, smallOptions(1), backend)
	require.NoError(t, err)
	shape := nn.StateDict(target)["fc.bias"].Shape()

	var data []byte
	for range shape.NumElements() {
		data = binary.LittleEndian.AppendUint32(data, math.Float32bits(0.75))
	}
	n := int64(len(data))
	data = append(data, 1, 0)
	header, err := json.Marshal(map[string]loader.TensorInfo{
		"fc.bias":    {DType: loader.F32, Shape: shape, DataOffsets: [2]int64{0, n}},
		"valid_mask": {DType: loader.BOOL, Shape: []int{2}, DataOffsets: [2]int64{n, n + 2}},
	})
	require.NoError(t, err)
	file := binary.LittleEndian.AppendUint64(nil, uint64(len(header)))
	file = append(append(file, header...), data...)
	path := filepath.Join(t.TempDir(), "masked.safetensors")
	require.NoError(t, os.WriteFile(path, file, 0o600))

	report, err := LoadPretrained(target, path, MergeOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"valid_mask"}, report.Skipped)
	assert.Equal(t, []string{"fc.bias"}, report.Loaded)
	assert.Empty(t, report.Unused)
	for _, v := range nn.StateDict(target)["fc.bias"].AsFloat32() {
		assert.Equal(t, float32(0.75), v)
	}
}
