package loader

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

	"github.com/qdann-ml/qdann/internal/tensor"
)

func testState(t *testing.T) map[string]*tensor.RawTensor {
	t.Helper()
	w := tensor.MustRaw(tensor.Shape{2, 3}, tensor.Float32, tensor.CPU)
	copy(w.AsFloat32(), []float32{1, -2, 0.5, 3.25, 0, -0.125})
	b := tensor.MustRaw(tensor.Shape{3}, tensor.Float32, tensor.CPU)
	copy(b.AsFloat32(), []float32{0.1, 0.2, 0.3})
	n := tensor.MustRaw(tensor.Shape{}, tensor.Int64, tensor.CPU)
	n.AsInt64()[0] = 42
	return map[string]*tensor.RawTensor{
		"fc.weight":               w,
		"fc.bias":                 b,
		"bn1.num_batches_tracked": n,
	}
}

// writeRawFile assembles a file by hand from a header and data section.
func writeRawFile(t *testing.T, path string, header map[string]any, data []byte) {
	t.Helper()
	headerJSON, err := json.Marshal(header)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(len(headerJSON))))
	buf.Write(headerJSON)
	buf.Write(data)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
}

func TestWriteRead_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	state := testState(t)
	require.NoError(t, WriteFile(path, state, WriteOptions{Metadata: map[string]string{"format": "pt"}}))

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, map[string]string{"format": "pt"}, r.Metadata())
	assert.Equal(t, []string{"bn1.num_batches_tracked", "fc.bias", "fc.weight"}, r.TensorNames())

	info, err := r.TensorInfo("fc.weight")
	require.NoError(t, err)
	assert.Equal(t, F32, info.DType)
	assert.Equal(t, []int{2, 3}, info.Shape)

	loaded, err := ReadStateDict(path, tensor.CPU)
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	assert.Equal(t, state["fc.weight"].AsFloat32(), loaded["fc.weight"].AsFloat32())
	assert.Equal(t, tensor.Shape{2, 3}, loaded["fc.weight"].Shape())
	assert.Equal(t, tensor.Int64, loaded["bn1.num_batches_tracked"].DType())
	assert.Equal(t, int64(42), loaded["bn1.num_batches_tracked"].AsInt64()[0])
}

func TestWrite_Half(t *testing.T) {
	path := filepath.Join(t.TempDir(), "half.safetensors")
	state := testState(t)
	require.NoError(t, WriteFile(path, state, WriteOptions{Half: true}))

	r, err := Open(path)
	require.NoError(t, err)
	info, err := r.TensorInfo("fc.bias")
	require.NoError(t, err)
	assert.Equal(t, F16, info.DType)
	require.NoError(t, r.Close())

	loaded, err := ReadStateDict(path, tensor.CPU)
	require.NoError(t, err)
	// Values exactly representable in half survive unchanged.
	assert.Equal(t, state["fc.weight"].AsFloat32(), loaded["fc.weight"].AsFloat32())
	assert.InDeltaSlice(t, []float32{0.1, 0.2, 0.3}, loaded["fc.bias"].AsFloat32(), 1e-3)
	assert.Equal(t, int64(42), loaded["bn1.num_batches_tracked"].AsInt64()[0])
}

func TestRead_BF16AndF64(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mixed.safetensors")

	var data []byte
	for _, v := range []float32{1.5, -2} {
		data = binary.LittleEndian.AppendUint16(data, uint16(math.Float32bits(v)>>16))
	}
	for _, v := range []float64{0.25, 1e-3} {
		data = binary.LittleEndian.AppendUint64(data, math.Float64bits(v))
	}
	writeRawFile(t, path, map[string]any{
		"a": TensorInfo{DType: BF16, Shape: []int{2}, DataOffsets: [2]int64{0, 4}},
		"b": TensorInfo{DType: F64, Shape: []int{2}, DataOffsets: [2]int64{4, 20}},
	}, data)

	state, err := ReadStateDict(path, tensor.CPU)
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, -2}, state["a"].AsFloat32())
	assert.Equal(t, []float32{0.25, 1e-3}, state["b"].AsFloat32())
}

func TestRead_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Open(filepath.Join(dir, "missing.safetensors"))
	assert.Error(t, err)

	badSize := filepath.Join(dir, "size.safetensors")
	writeRawFile(t, badSize, map[string]any{
		"w": TensorInfo{DType: F32, Shape: []int{3}, DataOffsets: [2]int64{0, 8}},
	}, make([]byte, 8))
	_, err = ReadStateDict(badSize, tensor.CPU)
	assert.ErrorContains(t, err, "needs 12 bytes")

	outOfRange := filepath.Join(dir, "range.safetensors")
	writeRawFile(t, outOfRange, map[string]any{
		"w": TensorInfo{DType: F32, Shape: []int{4}, DataOffsets: [2]int64{0, 16}},
	}, make([]byte, 8))
	_, err = ReadStateDict(outOfRange, tensor.CPU)
	assert.ErrorContains(t, err, "invalid data offsets")

	garbage := filepath.Join(dir, "garbage.safetensors")
	require.NoError(t, os.WriteFile(garbage, []byte{1, 2, 3}, 0o600))
	_, err = Open(garbage)
	assert.Error(t, err)
}

func TestRead_SkipsUnsupportedDTypes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mask.safetensors")
	data := binary.LittleEndian.AppendUint32(nil, math.Float32bits(2.5))
	data = append(data, 1, 0, 1)
	writeRawFile(t, path, map[string]any{
		"w":    TensorInfo{DType: F32, Shape: []int{1}, DataOffsets: [2]int64{0, 4}},
		"mask": TensorInfo{DType: BOOL, Shape: []int{2}, DataOffsets: [2]int64{4, 6}},
		"ids":  TensorInfo{DType: U8, Shape: []int{1}, DataOffsets: [2]int64{6, 7}},
	}, data)

	state, skipped, err := ReadPartialStateDict(path, tensor.CPU)
	require.NoError(t, err)
	assert.Equal(t, []string{"ids", "mask"}, skipped)
	require.Len(t, state, 1)
	assert.Equal(t, []float32{2.5}, state["w"].AsFloat32())

	state, err = ReadStateDict(path, tensor.CPU)
	require.NoError(t, err)
	assert.Len(t, state, 1)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	_, err = r.LoadTensor("mask", tensor.CPU)
	assert.ErrorIs(t, err, ErrUnsupportedDType)
}
