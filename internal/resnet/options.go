// Package resnet implements the quantized ResNet family whose bottleneck
// blocks emit an auxiliary ADMM loss next to their output.
package resnet

import (
	"github.com/pkg/errors"

	"github.com/qdann-ml/qdann/internal/admm"
	"github.com/qdann-ml/qdann/internal/quant"
)

// Construction errors.
var (
	// ErrBasicBlockConfig reports groups != 1 or a base width != 64 for BasicBlock.
	ErrBasicBlockConfig = errors.New("BasicBlock only supports groups=1 and base_width=64")
	// ErrBasicBlockDilation reports a dilation > 1 for BasicBlock.
	ErrBasicBlockDilation = errors.New("dilation > 1 not supported in BasicBlock")
	// ErrDilationSpec reports a replace-stride-with-dilation list that does not have 3 entries.
	ErrDilationSpec = errors.New("replace_stride_with_dilation should be nil or have 3 elements")
	// ErrUnknownArch reports an architecture name with no constructor.
	ErrUnknownArch = errors.New("unknown architecture")
	// ErrInvalidOptions reports out-of-range options.
	ErrInvalidOptions = errors.New("invalid options")
)

// Default batch sizes the per-block solvers are bound to.
const (
	DefaultTrainBatchSize = 32
	DefaultEvalBatchSize  = 32
)

// Options configures a backbone. The zero value of every field but Quant
// selects the torchvision default.
type Options struct {
	Quant quant.Config

	// NumClasses is the output width of the fc layer (1000).
	NumClasses int
	// ZeroInitResidual zero-initializes the last BN scale of each residual branch.
	ZeroInitResidual bool
	// Groups and WidthPerGroup set the bottleneck width (1 and 64).
	Groups        int
	WidthPerGroup int
	// ReplaceStrideWithDilation replaces the stride of stages 2-4 with dilation.
	ReplaceStrideWithDilation []bool

	// Training selects TrainBatchSize over EvalBatchSize for the solvers.
	// It is read once, at construction.
	Training       bool
	TrainBatchSize int
	EvalBatchSize  int
	ADMM           admm.Config
}

// DefaultOptions returns training-mode options for cfg.
func DefaultOptions(cfg quant.Config) Options {
	return Options{Quant: cfg, Training: true}
}

func (o Options) withDefaults() Options {
	if o.NumClasses == 0 {
		o.NumClasses = 1000
	}
	if o.Groups == 0 {
		o.Groups = 1
	}
	if o.WidthPerGroup == 0 {
		o.WidthPerGroup = 64
	}
	if o.TrainBatchSize == 0 {
		o.TrainBatchSize = DefaultTrainBatchSize
	}
	if o.EvalBatchSize == 0 {
		o.EvalBatchSize = DefaultEvalBatchSize
	}
	return o
}

func (o Options) validate() error {
	if err := o.Quant.Validate(); err != nil {
		return err
	}
	if o.ReplaceStrideWithDilation != nil && len(o.ReplaceStrideWithDilation) != 3 {
		return errors.Wrapf(ErrDilationSpec, "got %v", o.ReplaceStrideWithDilation)
	}
	if o.NumClasses < 1 || o.Groups < 1 || o.WidthPerGroup < 1 {
		return errors.Wrapf(ErrInvalidOptions, "num_classes=%d groups=%d width_per_group=%d",
			o.NumClasses, o.Groups, o.WidthPerGroup)
	}
	if o.TrainBatchSize < 1 || o.EvalBatchSize < 1 {
		return errors.Wrapf(ErrInvalidOptions, "batch sizes train=%d eval=%d", o.TrainBatchSize, o.EvalBatchSize)
	}
	return nil
}

// SolverBatch is the batch dimension block solvers are bound to.
func (o Options) SolverBatch() int {
	o = o.withDefaults()
	if o.Training {
		return o.TrainBatchSize
	}
	return o.EvalBatchSize
}
