package main

import (
	"flag"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/qdann-ml/qdann/internal/loader"
)

func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	loadConfig := configFlag(fs)
	out := fs.String("out", "", "Output SafeTensors file.")
	half := fs.Bool("half", false, "Store float32 tensors as float16.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" {
		return errors.New("-out is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	net, err := buildNetwork(cfg, true)
	if err != nil {
		return err
	}
	meta, err := cfg.Marshal()
	if err != nil {
		return err
	}
	state := net.stateDict()
	err = loader.WriteFile(*out, state, loader.WriteOptions{
		Half: *half,
		Metadata: map[string]string{
			"format":  "pt",
			"network": cfg.Summary(),
			"config":  string(meta),
		},
	})
	if err != nil {
		return errors.WithMessagef(err, "writing %s", *out)
	}

	var elements int64
	for _, raw := range state {
		elements += int64(raw.Shape().NumElements())
	}
	fmt.Printf("wrote %d tensors (%s elements) to %s\n", len(state), humanize.Comma(elements), *out)
	return nil
}
