package ops

import (
	"fmt"
	"math"

	"github.com/qdann-ml/qdann/internal/tensor"
)

// BatchNormConfig carries the non-differentiable state of a batch
// normalization call. RunningMean and RunningVar are [C] buffers updated in
// place when Training is set.
type BatchNormConfig struct {
	RunningMean *tensor.RawTensor
	RunningVar  *tensor.RawTensor
	Momentum    float32
	Eps         float32
	Training    bool
}

// BatchNormOp normalizes x ([N, C] or [N, C, H, W]) per channel and applies
// the affine transform gamma * x̂ + beta.
//
// In training mode the batch statistics (biased variance) normalize the
// input and the running statistics move toward them with the unbiased
// variance. In eval mode the running statistics are used and the input
// gradient is a per-channel scale.
type BatchNormOp struct {
	inputs   []*tensor.RawTensor // [x, gamma, beta]
	output   *tensor.RawTensor
	xhat     []float32
	invStd   []float64
	training bool
}

// NewBatchNormOp computes the normalized output.
func NewBatchNormOp(x, gamma, beta *tensor.RawTensor, cfg BatchNormConfig) *BatchNormOp {
	requireFloat32("batch_norm", x, gamma, beta)
	shape := x.Shape()
	if len(shape) < 2 {
		panic(fmt.Sprintf("batch_norm: expected at least 2D input [N, C, ...], got %v", shape))
	}
	n, c := shape[0], shape[1]
	spatial := shape.NumElements() / (n * c)
	count := n * spatial
	if gamma.NumElements() != c || beta.NumElements() != c {
		panic(fmt.Sprintf("batch_norm: input has %d channels, affine parameters have %d and %d",
			c, gamma.NumElements(), beta.NumElements()))
	}
	if cfg.Training && count < 2 {
		panic(fmt.Sprintf("batch_norm: expected more than 1 value per channel when training, got input %v", shape))
	}

	src := x.AsFloat32()
	g, b := gamma.AsFloat32(), beta.AsFloat32()
	runMean, runVar := cfg.RunningMean.AsFloat32(), cfg.RunningVar.AsFloat32()

	out := newLike(x)
	dst := out.AsFloat32()
	xhat := make([]float32, len(src))
	invStd := make([]float64, c)

	for ch := 0; ch < c; ch++ {
		var mean, variance float64
		if cfg.Training {
			for i := 0; i < n; i++ {
				for _, v := range src[(i*c+ch)*spatial:][:spatial] {
					mean += float64(v)
				}
			}
			mean /= float64(count)
			for i := 0; i < n; i++ {
				for _, v := range src[(i*c+ch)*spatial:][:spatial] {
					d := float64(v) - mean
					variance += d * d
				}
			}
			variance /= float64(count)

			m := float64(cfg.Momentum)
			unbiased := variance * float64(count) / float64(count-1)
			runMean[ch] = float32((1-m)*float64(runMean[ch]) + m*mean)
			runVar[ch] = float32((1-m)*float64(runVar[ch]) + m*unbiased)
		} else {
			mean = float64(runMean[ch])
			variance = float64(runVar[ch])
		}

		inv := 1 / math.Sqrt(variance+float64(cfg.Eps))
		invStd[ch] = inv
		for i := 0; i < n; i++ {
			off := (i*c + ch) * spatial
			for s := 0; s < spatial; s++ {
				h := float32((float64(src[off+s]) - mean) * inv)
				xhat[off+s] = h
				dst[off+s] = g[ch]*h + b[ch]
			}
		}
	}

	return &BatchNormOp{
		inputs:   []*tensor.RawTensor{x, gamma, beta},
		output:   out,
		xhat:     xhat,
		invStd:   invStd,
		training: cfg.Training,
	}
}

// Backward computes gradients for x, gamma and beta.
func (op *BatchNormOp) Backward(outputGrad *tensor.RawTensor, _ tensor.Backend) []*tensor.RawTensor {
	x, gamma := op.inputs[0], op.inputs[1]
	shape := x.Shape()
	n, c := shape[0], shape[1]
	spatial := shape.NumElements() / (n * c)
	count := float64(n * spatial)

	gradX, gradGamma, gradBeta := newLike(x), newLike(gamma), newLike(gamma)
	dx, dg, db := gradX.AsFloat32(), gradGamma.AsFloat32(), gradBeta.AsFloat32()
	gr, g := outputGrad.AsFloat32(), gamma.AsFloat32()

	for ch := 0; ch < c; ch++ {
		var sumG, sumGX float64
		for i := 0; i < n; i++ {
			off := (i*c + ch) * spatial
			for s := 0; s < spatial; s++ {
				sumG += float64(gr[off+s])
				sumGX += float64(gr[off+s]) * float64(op.xhat[off+s])
			}
		}
		dg[ch] = float32(sumGX)
		db[ch] = float32(sumG)

		scale := float64(g[ch]) * op.invStd[ch]
		for i := 0; i < n; i++ {
			off := (i*c + ch) * spatial
			for s := 0; s < spatial; s++ {
				if op.training {
					dx[off+s] = float32(scale / count * (count*float64(gr[off+s]) - sumG - float64(op.xhat[off+s])*sumGX))
				} else {
					dx[off+s] = float32(scale * float64(gr[off+s]))
				}
			}
		}
	}
	return []*tensor.RawTensor{gradX, gradGamma, gradBeta}
}

// Inputs returns [x, gamma, beta].
func (op *BatchNormOp) Inputs() []*tensor.RawTensor { return op.inputs }

// Output returns the normalized tensor.
func (op *BatchNormOp) Output() *tensor.RawTensor { return op.output }
