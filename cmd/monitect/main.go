package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"github.com/kentonj/monitect/cmd/monitect/agent"
	"github.com/kentonj/monitect/cmd/monitect/register"
	"github.com/kentonj/monitect/cmd/monitect/subcmd"
	"github.com/kentonj/monitect/internal/config"
	"github.com/kentonj/monitect/internal/state"
	"github.com/kentonj/monitect/log2"
	"github.com/mattn/go-isatty"
)

var log = log2.NewStderr(log2.LInfo)

var BuildVersion string = "unknown" // set by ldflags -X

var modules = []subcmd.Mod{
	register.Mod,
	agent.SampleMod,
	agent.PublishMod,
	agent.SubscribeMod,
	agent.CameraMod,
	agent.RunMod,
}

func main() {
	flags := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	flagConfig := flags.String("config", "monitect.hcl", "")
	flagVersion := flags.Bool("version", false, "print build version and exit")
	flags.Usage = func() {
		fmt.Fprintf(flags.Output(), "Usage: %s [options] command\n\nCommands: %v (default run)\n\nOptions:\n",
			os.Args[0], subcmd.Names(modules))
		flags.PrintDefaults()
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			return
		}
		os.Exit(2)
	}
	if *flagVersion {
		fmt.Printf("monitect %s\n", BuildVersion)
		return
	}

	command := flags.Arg(0)
	if command == "" {
		command = agent.RunMod.Name
	}
	mod, err := subcmd.Parse(command, modules)
	if err != nil {
		log.Fatal(err)
	}

	if subcmd.SdNotify("start") || !isatty.IsTerminal(os.Stderr.Fd()) {
		// under systemd or redirected, assume journal/collector adds timestamps
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	ctx, g := state.NewContext(log)
	g.BuildVersion = BuildVersion

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Infof("signal=%v stopping", sig)
		g.Stop()
	}()

	cfg := config.MustReadConfigFile(log, *flagConfig)
	log.Debugf("config=%s", cfg.String())

	if err := mod.Main(ctx, cfg); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	log.Debugf("command=%s done", mod.Name)
}
