package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/qdann-ml/qdann/internal/loader"
	"github.com/qdann-ml/qdann/internal/nn"
	"github.com/qdann-ml/qdann/internal/optim"
)

func runInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	loadConfig := configFlag(fs)
	weights := fs.String("weights", "", "SafeTensors file to list instead of building a network.")
	verbose := fs.Bool("state", false, "List every state dict entry.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *weights != "" {
		return listWeights(os.Stdout, *weights)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	net, err := buildNetwork(cfg, false)
	if err != nil {
		return err
	}
	describeNetwork(os.Stdout, net, *verbose)
	return nil
}

func describeNetwork(out io.Writer, net *network, verbose bool) {
	fmt.Fprintln(out, titleStyle.Render(net.cfg.Summary()))
	table := newTable(lipgloss.Right, lipgloss.Left)
	table.Row("blocks", fmt.Sprintf("%d %s", net.backbone.NumBlocks(), net.backbone.Kind()))
	table.Row("features", strconv.Itoa(net.backbone.FeatureDim()))
	table.Row("solver batch", strconv.Itoa(net.backbone.Options().SolverBatch()))
	groups := net.groups()
	total := 0
	for _, g := range groups {
		n := nn.NumParameters(g.Params)
		total += n
		table.Row("group "+g.Name, fmt.Sprintf("%s parameters (lr x%g)", humanize.Comma(int64(n)), g.LRMult))
	}
	table.Row("total", fmt.Sprintf("%s parameters, %s as float32, %d tensors in %d groups",
		humanize.Comma(int64(total)), humanize.IBytes(uint64(total)*4),
		optim.NumParams(groups), len(groups)))
	state := net.stateDict()
	table.Row("state dict", fmt.Sprintf("%d entries", len(state)))
	fmt.Fprintln(out, table.Render())

	if verbose {
		entries := newTable(lipgloss.Left).Headers("Name", "DType", "Shape")
		for _, name := range nn.SortedKeys(state) {
			raw := state[name]
			entries.Row(name, raw.DType().String(), fmt.Sprint(raw.Shape()))
		}
		fmt.Fprintln(out, entries.Render())
	}
}

func listWeights(out io.Writer, path string) error {
	r, err := loader.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	meta := r.Metadata()
	if len(meta) > 0 {
		fmt.Fprintln(out, titleStyle.Render("Metadata"))
		table := newTable(lipgloss.Right, lipgloss.Left)
		for _, key := range sortedKeys(meta) {
			table.Row(key, meta[key])
		}
		fmt.Fprintln(out, table.Render())
	}

	fmt.Fprintln(out, titleStyle.Render("Tensors"))
	table := newTable(lipgloss.Left, lipgloss.Center, lipgloss.Left).Headers("Name", "DType", "Shape")
	var bytes, elements int64
	names := r.TensorNames()
	for _, name := range names {
		info, err := r.TensorInfo(name)
		if err != nil {
			return err
		}
		n := int64(1)
		for _, d := range info.Shape {
			n *= int64(d)
		}
		elements += n
		bytes += info.DataOffsets[1] - info.DataOffsets[0]
		table.Row(name, string(info.DType), fmt.Sprint(info.Shape))
	}
	fmt.Fprintln(out, table.Render())
	fmt.Fprintf(out, "%d tensors, %s elements, %s\n", len(names), humanize.Comma(elements), humanize.IBytes(uint64(bytes)))
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
