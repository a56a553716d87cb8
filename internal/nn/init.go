package nn

import (
	"math"
	"math/rand/v2"

	"github.com/qdann-ml/qdann/internal/tensor"
)

// KaimingNormal draws from N(0, 2/fan_out) where fan_out = shape[0] times the
// receptive field size, the initialization ResNet uses for convolutions
// (mode="fan_out", nonlinearity="relu").
func KaimingNormal[B tensor.Backend](shape tensor.Shape, backend B) *tensor.Tensor[float32, B] {
	receptive := 1
	for _, d := range shape[2:] {
		receptive *= d
	}
	fanOut := shape[0] * receptive
	return Normal(shape, 0, math.Sqrt(2/float64(fanOut)), backend)
}

// Normal draws from N(mean, std²).
func Normal[B tensor.Backend](shape tensor.Shape, mean, std float64, backend B) *tensor.Tensor[float32, B] {
	t := tensor.Zeros[float32](shape, backend)
	data := t.Data()
	for i := range data {
		data[i] = float32(mean + std*rand.NormFloat64())
	}
	return t
}

// Uniform draws from U(-bound, bound).
func Uniform[B tensor.Backend](shape tensor.Shape, bound float64, backend B) *tensor.Tensor[float32, B] {
	t := tensor.Zeros[float32](shape, backend)
	data := t.Data()
	for i := range data {
		data[i] = float32((rand.Float64()*2 - 1) * bound)
	}
	return t
}

// Fill sets every element of t to v.
func Fill[B tensor.Backend](t *tensor.Tensor[float32, B], v float32) {
	data := t.Data()
	for i := range data {
		data[i] = v
	}
}

// FillNormal overwrites t with samples from N(mean, std²).
func FillNormal[B tensor.Backend](t *tensor.Tensor[float32, B], mean, std float64) {
	data := t.Data()
	for i := range data {
		data[i] = float32(mean + std*rand.NormFloat64())
	}
}
