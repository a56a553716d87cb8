package loader

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"

	"github.com/qdann-ml/qdann/internal/tensor"
)

// WriteOptions controls how a state dict is stored.
type WriteOptions struct {
	// Half stores Float32 tensors as F16.
	Half bool
	// Metadata is written as the header's __metadata__ entry.
	Metadata map[string]string
}

// WriteStateDict encodes state to w. Tensors are stored in lexical order of
// their names.
func WriteStateDict(w io.Writer, state map[string]*tensor.RawTensor, opts WriteOptions) error {
	names := make([]string, 0, len(state))
	for name := range state {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make(map[string]any, len(names)+1)
	if len(opts.Metadata) > 0 {
		entries["__metadata__"] = opts.Metadata
	}
	dtypes := make([]DType, len(names))
	var offset int64
	for i, name := range names {
		raw := state[name]
		d, err := storedDType(raw.DType(), opts.Half)
		if err != nil {
			return errors.WithMessagef(err, "tensor %q", name)
		}
		dtypes[i] = d
		size := int64(raw.NumElements() * d.Size())
		shape := raw.Shape()
		if shape == nil {
			shape = tensor.Shape{}
		}
		entries[name] = TensorInfo{DType: d, Shape: shape, DataOffsets: [2]int64{offset, offset + size}}
		offset += size
	}

	headerJSON, err := json.Marshal(entries)
	if err != nil {
		return errors.Wrap(err, "failed to marshal header")
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return errors.Wrap(err, "failed to write header size")
	}
	if _, err := w.Write(headerJSON); err != nil {
		return errors.Wrap(err, "failed to write header")
	}

	var buf []byte
	for i, name := range names {
		buf = encode(buf[:0], dtypes[i], state[name])
		if _, err := w.Write(buf); err != nil {
			return errors.Wrapf(err, "failed to write tensor %q", name)
		}
	}
	return nil
}

// WriteFile stores state in a new SafeTensors file at path.
func WriteFile(path string, state map[string]*tensor.RawTensor, opts WriteOptions) (err error) {
	//nolint:gosec // G304: output path is user-supplied.
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = errors.Wrapf(cerr, "closing %s", path)
		}
	}()
	return WriteStateDict(f, state, opts)
}

func storedDType(dt tensor.DataType, half bool) (DType, error) {
	switch dt {
	case tensor.Float32:
		if half {
			return F16, nil
		}
		return F32, nil
	case tensor.Int32:
		return I32, nil
	case tensor.Int64:
		return I64, nil
	default:
		return "", errors.Errorf("cannot store dtype %s", dt)
	}
}
