package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/qdann-ml/qdann/internal/autodiff"
	"github.com/qdann-ml/qdann/internal/config"
	"github.com/qdann-ml/qdann/internal/optim"
	"github.com/qdann-ml/qdann/internal/tensor"
)

func runStep(args []string) error {
	fs := flag.NewFlagSet("step", flag.ExitOnError)
	loadConfig := configFlag(fs)
	steps := fs.Int("steps", 10, "Number of training steps.")
	size := fs.Int("size", 64, "Height and width of the synthetic images.")
	seed := fs.Uint64("seed", 1, "Seed of the synthetic data.")
	sourceFrac := fs.Float64("source", 0.5, "Fraction of each batch holding labeled source examples.")
	quiet := fs.Bool("quiet", false, "Hide the progress bar.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if *steps < 1 || *size < 32 {
		return errors.Errorf("need -steps >= 1 and -size >= 32, got %d and %d", *steps, *size)
	}

	net, err := buildNetwork(cfg, !*quiet)
	if err != nil {
		return err
	}
	opt, err := newOptimizer(cfg.Optim, net.groups())
	if err != nil {
		return err
	}
	schedule := optim.InvSchedule{Gamma: cfg.Optim.Gamma, Power: cfg.Optim.Power}

	batch := cfg.TrainBatchSize
	sources := batch
	if cfg.Head != config.HeadNone {
		sources = int(float64(batch) * *sourceFrac)
		if sources < 1 || sources >= batch {
			return errors.Errorf("-source %g leaves no source or no target examples in a batch of %d", *sourceFrac, batch)
		}
	}
	rng := rand.New(rand.NewPCG(*seed, *seed))

	var bar *progressbar.ProgressBar
	if !*quiet {
		bar = progressbar.NewOptions(*steps,
			progressbar.OptionSetDescription(cfg.Summary()),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("steps"),
		)
	}

	start := time.Now()
	var last float32
	for iter := range *steps {
		x := tensor.Randn[float32](tensor.Shape{batch, 3, *size, *size}, rng, net.backend)
		labels, err := randomLabels(rng, sources, cfg.NumClasses, net.backend)
		if err != nil {
			return err
		}

		opt.SetLR(schedule.LR(cfg.Optim.LR, iter))
		opt.ZeroGrad()
		tape := net.backend.Tape()
		tape.Clear()
		tape.StartRecording()
		loss, err := net.loss(x, labels, iter)
		if err != nil {
			tape.StopRecording()
			return errors.WithMessagef(err, "step %d", iter)
		}
		grads := autodiff.Backward(loss, net.backend)
		tape.StopRecording()
		opt.Step(grads)

		last = loss.Item()
		klog.V(1).Infof("step %d: loss %.5f lr %.6f", iter, last, opt.GetLR())
		if bar != nil {
			bar.Describe(fmt.Sprintf("%s loss=%.4f", cfg.Summary(), last))
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
	fmt.Printf("%d steps in %s, final loss %.5f\n", *steps, time.Since(start).Round(time.Millisecond), last)
	return nil
}

func newOptimizer(cfg config.Optim, groups []optim.ParamGroup[Backend]) (optim.Optimizer, error) {
	switch cfg.Name {
	case config.OptimizerSGD:
		return optim.NewSGD(groups, optim.SGDConfig{
			LR:          cfg.LR,
			Momentum:    cfg.Momentum,
			WeightDecay: cfg.WeightDecay,
			Nesterov:    cfg.Nesterov,
		}), nil
	case config.OptimizerAdam:
		return optim.NewAdam(groups, optim.AdamConfig{LR: cfg.LR}), nil
	}
	return nil, errors.Errorf("unknown optimizer %q", cfg.Name)
}

func randomLabels(rng *rand.Rand, n, classes int, backend Backend) (*tensor.Tensor[int64, Backend], error) {
	labels := make([]int64, n)
	for i := range labels {
		labels[i] = int64(rng.IntN(classes))
	}
	return tensor.FromSlice(labels, tensor.Shape{n}, backend)
}
