package resnet

import (
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/qdann-ml/qdann/internal/loader"
	"github.com/qdann-ml/qdann/internal/nn"
	"github.com/qdann-ml/qdann/internal/tensor"
)

// Migration copies the pretrained entry Source into the model entry Target.
type Migration struct {
	Source string
	Target string
}

// Migrations returns one identity migration per model state dict entry, in
// lexical order: pretrained weights are taken by exact name.
func (r *ResNet[B]) Migrations() []Migration {
	return IdentityMigrations(nn.StateDict(r))
}

// IdentityMigrations maps every name of state onto itself.
func IdentityMigrations(state map[string]*tensor.RawTensor) []Migration {
	keys := nn.SortedKeys(state)
	migrations := make([]Migration, len(keys))
	for i, k := range keys {
		migrations[i] = Migration{Source: k, Target: k}
	}
	return migrations
}

// Migratable is a model that can receive pretrained weights.
type Migratable interface {
	nn.StateDicter
	Migrations() []Migration
}

// Mismatch describes a pretrained entry that could not be copied.
type Mismatch struct {
	Migration
	Want, Got tensor.Shape
	WantType  tensor.DataType
	GotType   tensor.DataType
}

// MergeReport lists what a merge did. Every migration ends up in exactly one
// of Loaded, Missing, Mismatched or InvalidTargets.
type MergeReport struct {
	// Loaded are the model entries overwritten with pretrained values.
	Loaded []string
	// Missing are migration sources absent from the pretrained state.
	Missing []string
	// Mismatched entries differ in shape or type and were left untouched.
	Mismatched []Mismatch
	// InvalidTargets are migrations naming a target the model does not have.
	InvalidTargets []Migration
	// Unused are pretrained entries no migration consumed.
	Unused []string
	// Skipped are file entries whose element type cannot be loaded (U8, BOOL).
	Skipped []string
}

// MergeOptions configures MergePretrained.
type MergeOptions struct {
	// Migrations overrides the model's own migration list when non-nil.
	Migrations []Migration
	// Progress shows a progress bar on Output (os.Stderr when nil).
	Progress bool
	Output   io.Writer
}

// MergePretrained copies pretrained values into model, entry by entry, for
// every migration whose source exists with the target's shape and type. It
// is a best-effort merge: anything else is logged and reported, and the
// corresponding model entry keeps its current value.
func MergePretrained(model Migratable, pretrained map[string]*tensor.RawTensor, opts MergeOptions) MergeReport {
	migrations := opts.Migrations
	if migrations == nil {
		migrations = model.Migrations()
	}
	targets := nn.StateDict(model)

	var bar *progressbar.ProgressBar
	if opts.Progress {
		out := opts.Output
		if out == nil {
			out = os.Stderr
		}
		bar = progressbar.NewOptions(len(migrations),
			progressbar.OptionSetDescription("merging pretrained weights"),
			progressbar.OptionSetWriter(out),
			progressbar.OptionShowCount(),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
		)
	}

	var report MergeReport
	used := make(map[string]bool, len(migrations))
	for _, m := range migrations {
		if bar != nil {
			_ = bar.Add(1)
		}
		dst, ok := targets[m.Target]
		if !ok {
			klog.Warningf("pretrained: migration %s -> %s names no model entry", m.Source, m.Target)
			report.InvalidTargets = append(report.InvalidTargets, m)
			continue
		}
		src, ok := pretrained[m.Source]
		if !ok {
			klog.V(1).Infof("pretrained: %s not in weights, keeping initialization", m.Source)
			report.Missing = append(report.Missing, m.Source)
			continue
		}
		used[m.Source] = true
		if !src.Shape().Equal(dst.Shape()) || src.DType() != dst.DType() {
			klog.Warningf("pretrained: skipping %s: want %s%v, got %s%v",
				m.Source, dst.DType(), dst.Shape(), src.DType(), src.Shape())
			report.Mismatched = append(report.Mismatched, Mismatch{
				Migration: m,
				Want:      dst.Shape(),
				Got:       src.Shape(),
				WantType:  dst.DType(),
				GotType:   src.DType(),
			})
			continue
		}
		if err := dst.CopyFrom(src); err != nil {
			klog.Warningf("pretrained: skipping %s: %v", m.Source, err)
			report.Mismatched = append(report.Mismatched, Mismatch{Migration: m, Want: dst.Shape(), Got: src.Shape()})
			continue
		}
		report.Loaded = append(report.Loaded, m.Target)
	}
	if bar != nil {
		_ = bar.Finish()
	}

	for _, name := range nn.SortedKeys(pretrained) {
		if !used[name] {
			report.Unused = append(report.Unused, name)
		}
	}
	if len(report.Unused) > 0 {
		klog.Warningf("pretrained: %d entries unused (first: %s)", len(report.Unused), report.Unused[0])
	}
	klog.V(1).Infof("pretrained: loaded %d/%d entries", len(report.Loaded), len(migrations))
	return report
}

// LoadPretrained reads a SafeTensors state dict from path and merges it into
// model. Only I/O and format errors are returned.
func LoadPretrained(model Migratable, path string, opts MergeOptions) (MergeReport, error) {
	state, skipped, err := loader.ReadPartialStateDict(path, tensor.CPU)
	if err != nil {
		return MergeReport{}, err
	}
	report := MergePretrained(model, state, opts)
	report.Skipped = skipped
	return report, nil
}
