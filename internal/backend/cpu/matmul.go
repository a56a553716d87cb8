package cpu

import (
	"fmt"

	"github.com/qdann-ml/qdann/internal/parallel"
	"github.com/qdann-ml/qdann/internal/tensor"
)

// MatMul multiplies a [M, K] by b [K, N] into [M, N].
func (cpu *CPUBackend) MatMul(a, b *tensor.RawTensor) *tensor.RawTensor {
	as, bs := a.Shape(), b.Shape()
	if len(as) != 2 || len(bs) != 2 {
		panic(fmt.Sprintf("matmul: expected 2D operands, got %v and %v", as, bs))
	}
	if as[1] != bs[0] {
		panic(fmt.Sprintf("matmul: inner dimensions differ: %v x %v", as, bs))
	}

	m, k, n := as[0], as[1], bs[1]
	result := tensor.MustRaw(tensor.Shape{m, n}, tensor.Float32, cpu.device)
	x, y, out := a.AsFloat32(), b.AsFloat32(), result.AsFloat32()

	cfg := cpu.parallel
	cfg.MinChunkSize = max(1, 4096/max(k*n, 1))
	parallel.Chunks(m, func(start, end int) {
		gemm(end-start, n, k, x[start*k:end*k], y, out[start*n:end*n])
	}, cfg)
	return result
}

// gemm accumulates c[m×n] += a[m×k] · b[k×n] (row-major).
func gemm(m, n, k int, a, b, c []float32) {
	for i := 0; i < m; i++ {
		ci := c[i*n : (i+1)*n]
		for p := 0; p < k; p++ {
			av := a[i*k+p]
			if av == 0 {
				continue
			}
			bp := b[p*n : (p+1)*n]
			for j, bv := range bp {
				ci[j] += av * bv
			}
		}
	}
}

// gemmTN accumulates c[m×n] += aᵀ · b where a is stored as [k×m] and b as [k×n].
func gemmTN(m, n, k int, a, b, c []float32) {
	for p := 0; p < k; p++ {
		bp := b[p*n : (p+1)*n]
		for i := 0; i < m; i++ {
			av := a[p*m+i]
			if av == 0 {
				continue
			}
			ci := c[i*n : (i+1)*n]
			for j, bv := range bp {
				ci[j] += av * bv
			}
		}
	}
}

// gemmNT accumulates c[m×n] += a · bᵀ where a is [m×k] and b is stored as [n×k].
func gemmNT(m, n, k int, a, b, c []float32) {
	for i := 0; i < m; i++ {
		ai := a[i*k : (i+1)*k]
		for j := 0; j < n; j++ {
			bj := b[j*k : (j+1)*k]
			var sum float32
			for p, av := range ai {
				sum += av * bj[p]
			}
			c[i*n+j] += sum
		}
	}
}
