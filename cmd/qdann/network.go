package main

import (
	"flag"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/qdann-ml/qdann/internal/adapt"
	"github.com/qdann-ml/qdann/internal/autodiff"
	"github.com/qdann-ml/qdann/internal/backend/cpu"
	"github.com/qdann-ml/qdann/internal/config"
	"github.com/qdann-ml/qdann/internal/nn"
	"github.com/qdann-ml/qdann/internal/optim"
	"github.com/qdann-ml/qdann/internal/resnet"
	"github.com/qdann-ml/qdann/internal/tensor"
)

// Backend is the backend every command runs on.
type Backend = *autodiff.AutodiffBackend[*cpu.CPUBackend]

// configFlag registers -config on fs and returns a loader for it.
func configFlag(fs *flag.FlagSet) func() (config.Config, error) {
	path := fs.String("config", "", "YAML configuration file. Empty uses the built-in defaults.")
	return func() (config.Config, error) {
		if *path == "" {
			return config.Default(), nil
		}
		cfg, err := config.Load(*path)
		if err != nil {
			return config.Config{}, errors.WithMessage(err, "-config")
		}
		return cfg, nil
	}
}

// network is a backbone with the head the configuration selects.
type network struct {
	cfg      config.Config
	backend  Backend
	backbone *resnet.ResNet[Backend]
	dann     *adapt.DANN[Backend]
	mdd      *adapt.MDD[Backend]
}

func buildNetwork(cfg config.Config, progress bool) (*network, error) {
	backend := autodiff.New(cpu.New())
	opts := cfg.ResNetOptions()
	if cfg.Head == config.HeadNone {
		opts.NumClasses = cfg.NumClasses
	}
	backbone, err := resnet.Build(resnet.Arch(cfg.Arch), opts, backend)
	if err != nil {
		return nil, err
	}
	n := &network{cfg: cfg, backend: backend, backbone: backbone}
	switch cfg.Head {
	case config.HeadDANN:
		n.dann, err = adapt.NewDANN[Backend](backbone, cfg.DANNConfig(), backend)
	case config.HeadMDD:
		n.mdd, err = adapt.NewMDD[Backend](backbone, cfg.MDDConfig(), backend)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Pretrained != "" {
		report, err := resnet.LoadPretrained(n.model(), cfg.Pretrained, resnet.MergeOptions{Progress: progress})
		if err != nil {
			return nil, errors.WithMessagef(err, "pretrained weights %s", cfg.Pretrained)
		}
		klog.Infof("pretrained: %d loaded, %d missing, %d mismatched, %d unused",
			len(report.Loaded), len(report.Missing), len(report.Mismatched), len(report.Unused))
	}
	klog.V(1).Infof("built %s", cfg.Summary())
	return n, nil
}

func (n *network) model() resnet.Migratable {
	switch {
	case n.dann != nil:
		return n.dann
	case n.mdd != nil:
		return n.mdd
	}
	return n.backbone
}

func (n *network) stateDict() map[string]*tensor.RawTensor {
	return nn.StateDict(n.model())
}

func (n *network) groups() []optim.ParamGroup[Backend] {
	switch {
	case n.dann != nil:
		return n.dann.ParameterGroups()
	case n.mdd != nil:
		return n.mdd.ParameterGroups()
	}
	return optim.SingleGroup(n.backbone.Parameters())
}

// loss evaluates the training objective on a batch whose first
// len(labels) rows are labeled source examples. The backbone's auxiliary
// loss is always included.
func (n *network) loss(x *tensor.Tensor[float32, Backend], labels *tensor.Tensor[int64, Backend], iter int) (*tensor.Tensor[float32, Backend], error) {
	switch {
	case n.mdd != nil:
		lb, err := n.mdd.Loss(x, labels)
		if err != nil {
			return nil, err
		}
		klog.V(2).Infof("iter %d: classifier %.4f transfer %.4f aux %.4f coeff %.3f",
			lb.Iter, lb.Classifier.Item(), lb.Transfer.Item(), lb.AuxLoss.Item(), lb.Coeff)
		return lb.Total.Add(lb.AuxLoss), nil

	case n.dann != nil:
		batch, sources := x.Shape()[0], labels.Shape()[0]
		coeff := n.cfg.GRL.Coeff(iter)
		class, domain, aux := n.dann.Forward(x, coeff)
		classLoss := nn.CrossEntropy(class.Narrow(0, 0, sources), labels)

		side := make([]int64, batch)
		for i := sources; i < batch; i++ {
			side[i] = 1
		}
		domainLabels, err := tensor.FromSlice(side, tensor.Shape{batch}, n.backend)
		if err != nil {
			return nil, err
		}
		domainLoss := nn.CrossEntropy(domain, domainLabels)
		klog.V(2).Infof("iter %d: class %.4f domain %.4f aux %.4f coeff %.3f",
			iter, classLoss.Item(), domainLoss.Item(), aux.Item(), coeff)
		return classLoss.Add(domainLoss).Add(aux), nil
	}

	features, aux := n.backbone.Forward(x)
	logits := n.backbone.Classify(features).Narrow(0, 0, labels.Shape()[0])
	return nn.CrossEntropy(logits, labels).Add(aux), nil
}
