package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"github.com/omnibot/omnirelay/cmd/omnirelay/serve"
	"github.com/omnibot/omnirelay/cmd/omnirelay/shell"
	"github.com/omnibot/omnirelay/cmd/omnirelay/sim"
	"github.com/omnibot/omnirelay/cmd/omnirelay/subcmd"
	"github.com/omnibot/omnirelay/config"
	"github.com/omnibot/omnirelay/log2"
)

var log = log2.NewStderr(log2.LDebug)

var modules = []subcmd.Mod{
	serve.Mod,
	serve.MigrateMod,
	sim.Mod,
	shell.Mod,
}

func main() {
	log.SetFlags(log2.StderrFlags())
	flagConfig := flag.String("config", "omnirelay.hcl", "")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config omnirelay.hcl] command [args]\ncommands:\n", os.Args[0])
		for _, m := range modules {
			fmt.Fprintf(flag.CommandLine.Output(), "  %-8s %s\n", m.Name, m.Usage)
		}
		flag.PrintDefaults()
	}
	flag.Parse()

	mod, err := subcmd.Parse(flag.Arg(0), modules)
	if err != nil {
		flag.Usage()
		log.Fatal(err)
	}

	cfg, err := readConfig(*flagConfig, mod.ConfigOptional)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	level, _ := log2.ParseLevel(cfg.Log.Level)
	out, closer := log2.NewOutput(log2.OutputOptions{
		Level:      level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer closer.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := mod.Main(ctx, cfg, out, flag.Args()[1:]); err != nil {
		out.Error(errors.ErrorStack(err))
		closer.Close()
		os.Exit(1)
	}
}

func readConfig(path string, optional bool) (*config.Config, error) {
	if optional {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return config.Default(), nil
		}
	}
	fs, err := config.NewOsFullReader(".")
	if err != nil {
		return nil, err
	}
	return config.ReadConfig(log.Clone(log2.LInfo), fs, path)
}
