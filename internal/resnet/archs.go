package resnet

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/qdann-ml/qdann/internal/tensor"
)

// Arch names a member of the ResNet family, using torchvision's names.
type Arch string

// Supported architectures.
const (
	ResNet18      Arch = "resnet18"
	ResNet34      Arch = "resnet34"
	ResNet50      Arch = "resnet50"
	ResNet101     Arch = "resnet101"
	ResNet152     Arch = "resnet152"
	ResNeXt50x4d  Arch = "resnext50_32x4d"
	ResNeXt101x8d Arch = "resnext101_32x8d"
	WideResNet50  Arch = "wide_resnet50_2"
	WideResNet101 Arch = "wide_resnet101_2"
)

// spec is the block type, stage depths and width overrides of an Arch.
type spec struct {
	kind          BlockKind
	layers        [4]int
	groups        int
	widthPerGroup int
}

var archs = map[Arch]spec{
	ResNet18:      {kind: Basic, layers: [4]int{2, 2, 2, 2}},
	ResNet34:      {kind: Basic, layers: [4]int{3, 4, 6, 3}},
	ResNet50:      {kind: Bottleneck, layers: [4]int{3, 4, 6, 3}},
	ResNet101:     {kind: Bottleneck, layers: [4]int{3, 4, 23, 3}},
	ResNet152:     {kind: Bottleneck, layers: [4]int{3, 8, 36, 3}},
	ResNeXt50x4d:  {kind: Bottleneck, layers: [4]int{3, 4, 6, 3}, groups: 32, widthPerGroup: 4},
	ResNeXt101x8d: {kind: Bottleneck, layers: [4]int{3, 4, 23, 3}, groups: 32, widthPerGroup: 8},
	WideResNet50:  {kind: Bottleneck, layers: [4]int{3, 4, 6, 3}, widthPerGroup: 64 * 2},
	WideResNet101: {kind: Bottleneck, layers: [4]int{3, 4, 23, 3}, widthPerGroup: 64 * 2},
}

// Archs lists the supported architecture names.
func Archs() []Arch {
	names := make([]Arch, 0, len(archs))
	for a := range archs {
		names = append(names, a)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Build constructs the named architecture. Group and width overrides of the
// architecture take precedence over opts.
func Build[B tensor.Backend](arch Arch, opts Options, backend B) (*ResNet[B], error) {
	s, ok := archs[arch]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownArch, "%q", arch)
	}
	if s.groups != 0 {
		opts.Groups = s.groups
	}
	if s.widthPerGroup != 0 {
		opts.WidthPerGroup = s.widthPerGroup
	}
	m, err := New(s.kind, s.layers, opts, backend)
	if err != nil {
		return nil, errors.WithMessagef(err, "building %s", arch)
	}
	return m, nil
}

// FeatureDim returns the feature width of arch without building it.
func FeatureDim(arch Arch) (int, error) {
	s, ok := archs[arch]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownArch, "%q", arch)
	}
	return 512 * s.kind.Expansion(), nil
}

// NewResNet18 builds a quantized resnet18.
func NewResNet18[B tensor.Backend](opts Options, backend B) (*ResNet[B], error) {
	return Build(ResNet18, opts, backend)
}

// NewResNet34 builds a quantized resnet34.
func NewResNet34[B tensor.Backend](opts Options, backend B) (*ResNet[B], error) {
	return Build(ResNet34, opts, backend)
}

// NewResNet50 builds a quantized resnet50.
func NewResNet50[B tensor.Backend](opts Options, backend B) (*ResNet[B], error) {
	return Build(ResNet50, opts, backend)
}

// NewResNet101 builds a quantized resnet101.
func NewResNet101[B tensor.Backend](opts Options, backend B) (*ResNet[B], error) {
	return Build(ResNet101, opts, backend)
}

// NewResNet152 builds a quantized resnet152.
func NewResNet152[B tensor.Backend](opts Options, backend B) (*ResNet[B], error) {
	return Build(ResNet152, opts, backend)
}

// NewResNeXt50x4d builds a quantized resnext50_32x4d.
func NewResNeXt50x4d[B tensor.Backend](opts Options, backend B) (*ResNet[B], error) {
	return Build(ResNeXt50x4d, opts, backend)
}

// NewResNeXt101x8d builds a quantized resnext101_32x8d.
func NewResNeXt101x8d[B tensor.Backend](opts Options, backend B) (*ResNet[B], error) {
	return Build(ResNeXt101x8d, opts, backend)
}

// NewWideResNet50 builds a quantized wide_resnet50_2.
func NewWideResNet50[B tensor.Backend](opts Options, backend B) (*ResNet[B], error) {
	return Build(WideResNet50, opts, backend)
}

// NewWideResNet101 builds a quantized wide_resnet101_2.
func NewWideResNet101[B tensor.Backend](opts Options, backend B) (*ResNet[B], error) {
	return Build(WideResNet101, opts, backend)
}
