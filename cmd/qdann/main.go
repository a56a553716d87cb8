// Command qdann builds, trains and exports quantized domain adaptation
// networks.
//
// Usage:
//
//	qdann [-v=N] <command> [flags]
//
// Commands:
//
//	config    print the effective configuration as YAML
//	inspect   describe the network a configuration builds
//	step      run training steps on synthetic batches
//	export    write the network state dict to a SafeTensors file
//	version   print the version
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"k8s.io/klog/v2"
)

const version = "v0.1.0-dev"

type command struct {
	summary string
	run     func(args []string) error
}

var commands = map[string]command{
	"config":  {"print the effective configuration as YAML", runConfig},
	"inspect": {"describe the network a configuration builds", runInspect},
	"step":    {"run training steps on synthetic batches", runStep},
	"export":  {"write the network state dict to a SafeTensors file", runExport},
	"version": {"print the version", runVersion},
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [-v=N] <command> [flags]\n\nCommands:\n", os.Args[0])
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %-9s %s\n", name, commands[name].summary)
	}
	fmt.Fprintln(out, "\nGlobal flags:")
	flag.PrintDefaults()
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = usage
	flag.Parse()
	defer klog.Flush()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	name := flag.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
		usage()
		os.Exit(2)
	}
	if err := cmd.run(flag.Args()[1:]); err != nil {
		klog.Flush()
		klog.Fatalf("%s: %+v", name, err)
	}
}

func runVersion(_ []string) error {
	fmt.Printf("qdann %s\n", version)
	return nil
}
