package loader

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/qdann-ml/qdann/internal/tensor"
)

// ErrUnsupportedDType reports an element type with no tensor.DataType (U8, BOOL).
var ErrUnsupportedDType = errors.New("unsupported dtype")

func targetDataType(d DType) (tensor.DataType, error) {
	switch d {
	case F16, BF16, F32, F64:
		return tensor.Float32, nil
	case I32:
		return tensor.Int32, nil
	case I64:
		return tensor.Int64, nil
	default:
		return 0, errors.Wrapf(ErrUnsupportedDType, "%s", d)
	}
}

// decode fills dst from little-endian data of type d. Sizes were validated
// by the caller.
func decode(d DType, data []byte, dst *tensor.RawTensor) {
	le := binary.LittleEndian
	switch d {
	case F32:
		out := dst.AsFloat32()
		for i := range out {
			out[i] = math.Float32frombits(le.Uint32(data[4*i:]))
		}
	case F16:
		out := dst.AsFloat32()
		for i := range out {
			out[i] = float16.Frombits(le.Uint16(data[2*i:])).Float32()
		}
	case BF16:
		out := dst.AsFloat32()
		for i := range out {
			out[i] = math.Float32frombits(uint32(le.Uint16(data[2*i:])) << 16)
		}
	case F64:
		out := dst.AsFloat32()
		for i := range out {
			out[i] = float32(math.Float64frombits(le.Uint64(data[8*i:])))
		}
	case I32:
		out := dst.AsInt32()
		for i := range out {
			out[i] = int32(le.Uint32(data[4*i:])) //nolint:gosec // bit reinterpretation
		}
	case I64:
		out := dst.AsInt64()
		for i := range out {
			out[i] = int64(le.Uint64(data[8*i:])) //nolint:gosec // bit reinterpretation
		}
	}
}

// encode appends the little-endian bytes of src, storing float32 tensors as
// half when d is F16.
func encode(buf []byte, d DType, src *tensor.RawTensor) []byte {
	le := binary.LittleEndian
	switch d {
	case F16:
		for _, v := range src.AsFloat32() {
			buf = le.AppendUint16(buf, float16.Fromfloat32(v).Bits())
		}
	case F32:
		for _, v := range src.AsFloat32() {
			buf = le.AppendUint32(buf, math.Float32bits(v))
		}
	case I32:
		for _, v := range src.AsInt32() {
			buf = le.AppendUint32(buf, uint32(v)) //nolint:gosec // bit reinterpretation
		}
	case I64:
		for _, v := range src.AsInt64() {
			buf = le.AppendUint64(buf, uint64(v)) //nolint:gosec // bit reinterpretation
		}
	}
	return buf
}
