package ops

import (
	"fmt"
	"math"

	"github.com/qdann-ml/qdann/internal/tensor"
)

// CrossEntropyOp fuses log-softmax and negative log-likelihood over
// logits [N, C] and integer class targets [N], averaged over the batch.
//
// Backward pass:
//   - grad_logits = (softmax(logits) - onehot(targets)) / N * outputGrad
type CrossEntropyOp struct {
	logits  *tensor.RawTensor
	targets []int
	probs   []float32
	output  *tensor.RawTensor
}

// NewCrossEntropyOp computes the mean cross-entropy loss.
func NewCrossEntropyOp(logits, targets *tensor.RawTensor) *CrossEntropyOp {
	requireFloat32("cross_entropy", logits)
	n, c := checkClassification("cross_entropy", logits, targets)
	labels := targets.Indices()

	x := logits.AsFloat32()
	probs := make([]float32, n*c)
	var loss float64
	for i := 0; i < n; i++ {
		row := x[i*c : (i+1)*c]
		maxVal := row[0]
		for _, v := range row[1:] {
			maxVal = max(maxVal, v)
		}
		var sum float64
		for j, v := range row {
			e := math.Exp(float64(v - maxVal))
			probs[i*c+j] = float32(e)
			sum += e
		}
		for j := range row {
			probs[i*c+j] = float32(float64(probs[i*c+j]) / sum)
		}
		loss += math.Log(sum) + float64(maxVal) - float64(row[labels[i]])
	}

	out := tensor.MustRaw(tensor.Shape{}, tensor.Float32, logits.Device())
	out.AsFloat32()[0] = float32(loss / float64(n))
	return &CrossEntropyOp{logits: logits, targets: labels, probs: probs, output: out}
}

// Backward computes the gradient with respect to the logits.
func (op *CrossEntropyOp) Backward(outputGrad *tensor.RawTensor, _ tensor.Backend) []*tensor.RawTensor {
	n := len(op.targets)
	c := op.logits.Shape()[1]
	scale := outputGrad.AsFloat32()[0] / float32(n)

	grad := newLike(op.logits)
	dst := grad.AsFloat32()
	for i, label := range op.targets {
		for j := 0; j < c; j++ {
			p := op.probs[i*c+j]
			if j == label {
				p--
			}
			dst[i*c+j] = p * scale
		}
	}
	return []*tensor.RawTensor{grad}
}

// Inputs returns [logits]. Targets carry no gradient.
func (op *CrossEntropyOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.logits} }

// Output returns the scalar loss.
func (op *CrossEntropyOp) Output() *tensor.RawTensor { return op.output }

// NLLLossOp represents -mean_i(input[i, targets[i]]) for log-probability
// input [N, C].
type NLLLossOp struct {
	input   *tensor.RawTensor
	targets []int
	output  *tensor.RawTensor
}

// NewNLLLossOp computes the mean negative log-likelihood loss.
func NewNLLLossOp(input, targets *tensor.RawTensor) *NLLLossOp {
	requireFloat32("nll_loss", input)
	n, c := checkClassification("nll_loss", input, targets)
	labels := targets.Indices()

	x := input.AsFloat32()
	var loss float64
	for i, label := range labels {
		loss -= float64(x[i*c+label])
	}

	out := tensor.MustRaw(tensor.Shape{}, tensor.Float32, input.Device())
	out.AsFloat32()[0] = float32(loss / float64(n))
	return &NLLLossOp{input: input, targets: labels, output: out}
}

// Backward puts -outputGrad/N at each target position.
func (op *NLLLossOp) Backward(outputGrad *tensor.RawTensor, _ tensor.Backend) []*tensor.RawTensor {
	c := op.input.Shape()[1]
	g := -outputGrad.AsFloat32()[0] / float32(len(op.targets))

	grad := newLike(op.input)
	dst := grad.AsFloat32()
	for i, label := range op.targets {
		dst[i*c+label] = g
	}
	return []*tensor.RawTensor{grad}
}

// Inputs returns [input].
func (op *NLLLossOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.input} }

// Output returns the scalar loss.
func (op *NLLLossOp) Output() *tensor.RawTensor { return op.output }

func checkClassification(op string, scores, targets *tensor.RawTensor) (n, c int) {
	shape := scores.Shape()
	if len(shape) != 2 {
		panic(fmt.Sprintf("%s: expected [N, C] scores, got %v", op, shape))
	}
	n, c = shape[0], shape[1]
	if targets.NumElements() != n || len(targets.Shape()) != 1 {
		panic(fmt.Sprintf("%s: targets shape %v does not match batch %d", op, targets.Shape(), n))
	}
	for i, label := range targets.Indices() {
		if label < 0 || label >= c {
			panic(fmt.Sprintf("%s: target %d at index %d out of range [0, %d)", op, label, i, c))
		}
	}
	return n, c
}
