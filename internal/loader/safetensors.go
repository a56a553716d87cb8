package loader

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/qdann-ml/qdann/internal/tensor"
)

// DType is a SafeTensors element type.
type DType string

// SafeTensors element types.
const (
	F16  DType = "F16"
	BF16 DType = "BF16"
	F32  DType = "F32"
	F64  DType = "F64"
	I32  DType = "I32"
	I64  DType = "I64"
	U8   DType = "U8"
	BOOL DType = "BOOL"
)

// Size returns the width of one element in bytes, 0 for unknown types.
func (d DType) Size() int {
	switch d {
	case U8, BOOL:
		return 1
	case F16, BF16:
		return 2
	case F32, I32:
		return 4
	case F64, I64:
		return 8
	default:
		return 0
	}
}

const maxHeaderSize = 100 << 20

// TensorInfo describes one tensor in the header.
type TensorInfo struct {
	DType       DType    `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// header splits the JSON object into metadata and tensor entries.
type header struct {
	Metadata map[string]string
	Tensors  map[string]TensorInfo
}

func (h *header) UnmarshalJSON(data []byte) error {
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	h.Tensors = make(map[string]TensorInfo, len(entries))
	for key, value := range entries {
		if key == "__metadata__" {
			if err := json.Unmarshal(value, &h.Metadata); err != nil {
				return errors.Wrap(err, "metadata")
			}
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(value, &info); err != nil {
			return errors.Wrapf(err, "tensor %q", key)
		}
		h.Tensors[key] = info
	}
	return nil
}

// Reader gives random access to the tensors of a SafeTensors file.
type Reader struct {
	file       *os.File
	header     header
	dataOffset int64
	dataSize   int64
}

// Open reads the header of the SafeTensors file at path.
func Open(path string) (*Reader, error) {
	//nolint:gosec // G304: weights path is user-supplied by design of the CLI.
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	r, err := newReader(file)
	if err != nil {
		_ = file.Close()
		return nil, errors.WithMessagef(err, "reading %s", path)
	}
	return r, nil
}

func newReader(file *os.File) (*Reader, error) {
	var headerSize uint64
	if err := binary.Read(file, binary.LittleEndian, &headerSize); err != nil {
		return nil, errors.Wrap(err, "failed to read header size")
	}
	if headerSize > maxHeaderSize {
		return nil, errors.Errorf("invalid header size %d", headerSize)
	}
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(file, raw); err != nil {
		return nil, errors.Wrap(err, "failed to read header")
	}
	var h header
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, errors.Wrap(err, "failed to parse header")
	}

	stat, err := file.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat")
	}
	dataOffset := int64(8 + headerSize) //nolint:gosec // bounded by maxHeaderSize
	return &Reader{
		file:       file,
		header:     h,
		dataOffset: dataOffset,
		dataSize:   stat.Size() - dataOffset,
	}, nil
}

// Close closes the file.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Metadata returns the __metadata__ map of the header.
func (r *Reader) Metadata() map[string]string {
	return r.header.Metadata
}

// TensorNames returns the tensor names in lexical order.
func (r *Reader) TensorNames() []string {
	names := make([]string, 0, len(r.header.Tensors))
	for name := range r.header.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TensorInfo returns the header entry of name.
func (r *Reader) TensorInfo(name string) (TensorInfo, error) {
	info, ok := r.header.Tensors[name]
	if !ok {
		return TensorInfo{}, errors.Errorf("tensor %q not found", name)
	}
	return info, nil
}

// ReadTensorData returns the raw bytes of name.
func (r *Reader) ReadTensorData(name string) ([]byte, error) {
	info, err := r.TensorInfo(name)
	if err != nil {
		return nil, err
	}
	start, end := info.DataOffsets[0], info.DataOffsets[1]
	if start < 0 || end < start || end > r.dataSize {
		return nil, errors.Errorf("tensor %q: invalid data offsets [%d, %d] for %d data bytes", name, start, end, r.dataSize)
	}
	elements := tensor.Shape(info.Shape).NumElements()
	if want := int64(elements * info.DType.Size()); want != end-start {
		return nil, errors.Errorf("tensor %q: %s%v needs %d bytes, header gives %d", name, info.DType, info.Shape, want, end-start)
	}

	data := make([]byte, end-start)
	if _, err := r.file.ReadAt(data, r.dataOffset+start); err != nil {
		return nil, errors.Wrapf(err, "tensor %q", name)
	}
	return data, nil
}

// LoadTensor reads name into a RawTensor on device. Floating-point tensors
// become Float32; I32 and I64 keep their type.
func (r *Reader) LoadTensor(name string, device tensor.Device) (*tensor.RawTensor, error) {
	info, err := r.TensorInfo(name)
	if err != nil {
		return nil, err
	}
	shape := tensor.Shape(info.Shape)
	if err := shape.Validate(); err != nil {
		return nil, errors.Wrapf(err, "tensor %q", name)
	}
	dtype, err := targetDataType(info.DType)
	if err != nil {
		return nil, errors.WithMessagef(err, "tensor %q", name)
	}
	data, err := r.ReadTensorData(name)
	if err != nil {
		return nil, err
	}
	raw, err := tensor.NewRaw(shape, dtype, device)
	if err != nil {
		return nil, errors.Wrapf(err, "tensor %q", name)
	}
	decode(info.DType, data, raw)
	return raw, nil
}

// ReadStateDict loads every tensor of the file at path that has a supported
// element type. Others are skipped with a warning.
func ReadStateDict(path string, device tensor.Device) (map[string]*tensor.RawTensor, error) {
	state, _, err := ReadPartialStateDict(path, device)
	return state, err
}

// ReadPartialStateDict is ReadStateDict that also returns the names of the
// skipped tensors, in lexical order. Malformed files still fail as a whole.
func ReadPartialStateDict(path string, device tensor.Device) (state map[string]*tensor.RawTensor, skipped []string, err error) {
	r, err := Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = r.Close() }()

	state = make(map[string]*tensor.RawTensor, len(r.header.Tensors))
	for _, name := range r.TensorNames() {
		if _, err := targetDataType(r.header.Tensors[name].DType); err != nil {
			klog.Warningf("%s: skipping tensor %q: %v", path, name, err)
			skipped = append(skipped, name)
			continue
		}
		raw, err := r.LoadTensor(name, device)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "reading %s", path)
		}
		state[name] = raw
	}
	return state, skipped, nil
}
