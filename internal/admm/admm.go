// Package admm implements the per-block ADMM solver whose discrepancy term is
// added to the training loss as an auxiliary loss.
//
// For activations x the solver keeps an auxiliary variable z, constrained to
// the set the projector maps onto, and a scaled dual variable u. Each step
// returns the augmented-Lagrangian penalty
//
//	loss = ρ/2 · mean((x − z + u)²)
//
// computed on the gradient path of x, then updates z ← Π(x + u) and
// u ← u + x − z outside of it.
package admm

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/qdann-ml/qdann/internal/tensor"
)

// DefaultRho is the penalty weight used when Config.Rho is zero.
const DefaultRho = 1e-3

// Config holds the solver hyperparameters.
type Config struct {
	Rho float32 `yaml:"rho"`
}

// Projector writes the projection of src into dst. Both have equal length.
type Projector func(dst, src []float32)

// ADMM is bound to one batch dimension for its whole life and owned by
// exactly one block. It is not safe for concurrent use.
type ADMM[B tensor.Backend] struct {
	batch   int
	rho     float32
	project Projector

	shape tensor.Shape
	z     *tensor.RawTensor
	u     *tensor.RawTensor
	steps int
}

// New creates a solver for activations whose leading dimension is batch.
// A nil projector leaves z unconstrained.
func New[B tensor.Backend](batch int, cfg Config, project Projector) *ADMM[B] {
	if batch <= 0 {
		panic(fmt.Sprintf("admm.New: batch must be positive, got %d", batch))
	}
	if cfg.Rho == 0 {
		cfg.Rho = DefaultRho
	}
	if project == nil {
		project = func(dst, src []float32) { copy(dst, src) }
	}
	return &ADMM[B]{batch: batch, rho: cfg.Rho, project: project}
}

// Step returns the proxy z (after the update) and the scalar penalty.
//
// Panics if x's leading dimension differs from the construction batch.
func (a *ADMM[B]) Step(x *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], *tensor.Tensor[float32, B]) {
	shape := x.Shape()
	if len(shape) == 0 || shape[0] != a.batch {
		panic(fmt.Sprintf("admm.Step: solver bound to batch %d, got activations %v", a.batch, shape))
	}
	if a.z == nil || !a.shape.Equal(shape) {
		a.reset(x)
	}
	backend := x.Backend()

	// target = z − u is a constant for the penalty.
	target := tensor.MustRaw(shape, tensor.Float32, backend.Device())
	zd, ud, td := a.z.AsFloat32(), a.u.AsFloat32(), target.AsFloat32()
	for i := range td {
		td[i] = zd[i] - ud[i]
	}
	diff := x.Sub(tensor.New[float32, B](target, backend))
	loss := diff.Mul(diff).Mean().MulScalar(a.rho / 2)

	xd := x.Data()
	shifted := make([]float32, len(xd))
	for i := range shifted {
		shifted[i] = xd[i] + ud[i]
	}
	a.project(zd, shifted)
	for i := range ud {
		ud[i] += xd[i] - zd[i]
	}
	a.steps++

	return tensor.New[float32, B](a.z.Clone(), backend), loss
}

func (a *ADMM[B]) reset(x *tensor.Tensor[float32, B]) {
	if a.z != nil {
		klog.V(2).Infof("admm: activation shape changed %v -> %v, resetting state", a.shape, x.Shape())
	}
	a.shape = x.Shape().Clone()
	a.z = tensor.MustRaw(a.shape, tensor.Float32, x.Device())
	a.u = tensor.MustRaw(a.shape, tensor.Float32, x.Device())
	a.project(a.z.AsFloat32(), x.Data())
	a.steps = 0
}

// Batch returns the batch dimension the solver is bound to.
func (a *ADMM[B]) Batch() int {
	return a.batch
}

// Rho returns the penalty weight.
func (a *ADMM[B]) Rho() float32 {
	return a.rho
}

// Steps returns the number of steps since the state was last initialized.
func (a *ADMM[B]) Steps() int {
	return a.steps
}

// Dual returns a copy of the scaled dual variable, nil before the first step.
func (a *ADMM[B]) Dual() []float32 {
	if a.u == nil {
		return nil
	}
	return append([]float32(nil), a.u.AsFloat32()...)
}
