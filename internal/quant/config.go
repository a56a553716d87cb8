// Package quant provides the quantization primitives of the network: a
// DoReFa weight quantizer wired into convolutions, a straight-through
// activation quantizer, and a loss-augmented activation quantizer that
// consults an auxiliary solver.
package quant

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/qdann-ml/qdann/internal/autodiff/ops"
)

// FullPrecision is the bit-width at which quantizers are the identity.
const FullPrecision = ops.FullPrecisionBits

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid quantization config")

// Stage selects the quantization schedule.
type Stage int

const (
	// StageFloat trains in full precision: every quantizer is the identity.
	StageFloat Stage = iota
	// StageQuantize quantizes weights and activations to the configured bits.
	StageQuantize
)

var stageNames = map[Stage]string{
	StageFloat:    "float",
	StageQuantize: "quantize",
}

// String implements fmt.Stringer.
func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// ParseStage converts a stage name ("float", "quantize") to a Stage.
func ParseStage(name string) (Stage, error) {
	for s, n := range stageNames {
		if strings.EqualFold(name, n) {
			return s, nil
		}
	}
	return 0, errors.Errorf("unknown quantization stage %q (want float or quantize)", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Stage) MarshalText() ([]byte, error) {
	if _, ok := stageNames[s]; !ok {
		return nil, errors.Errorf("unknown quantization stage %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Stage) UnmarshalText(text []byte) error {
	parsed, err := ParseStage(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Config is shared by every quantized layer of a network and must not change
// after construction.
type Config struct {
	WeightBits     int
	ActivationBits int
	Stage          Stage
}

// Validate checks that both bit-widths lie in [1, 32] and the stage is known.
func (c Config) Validate() error {
	if c.WeightBits < 1 || c.WeightBits > FullPrecision {
		return errors.Wrapf(ErrInvalidConfig, "weight bits %d not in [1, %d]", c.WeightBits, FullPrecision)
	}
	if c.ActivationBits < 1 || c.ActivationBits > FullPrecision {
		return errors.Wrapf(ErrInvalidConfig, "activation bits %d not in [1, %d]", c.ActivationBits, FullPrecision)
	}
	if _, ok := stageNames[c.Stage]; !ok {
		return errors.Wrapf(ErrInvalidConfig, "stage %d", int(c.Stage))
	}
	return nil
}

// EffectiveWeightBits is the bit-width the weight quantizer applies.
func (c Config) EffectiveWeightBits() int {
	if c.Stage == StageFloat {
		return FullPrecision
	}
	return c.WeightBits
}

// EffectiveActivationBits is the bit-width the activation quantizer applies.
func (c Config) EffectiveActivationBits() int {
	if c.Stage == StageFloat {
		return FullPrecision
	}
	return c.ActivationBits
}

// String implements fmt.Stringer.
func (c Config) String() string {
	return fmt.Sprintf("W%dA%d/%s", c.WeightBits, c.ActivationBits, c.Stage)
}
