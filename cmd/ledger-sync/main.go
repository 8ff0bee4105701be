package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"
)

var Version = "dev"

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, "ledger-sync")
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.CommandsCommand(), "")

	commander.Register(&runCmd{}, "")
	commander.Register(&statusCmd{}, "")
	commander.Register(&accountCmd{}, "ledger")
	commander.Register(&importCmd{}, "ledger")
	commander.Register(&reviewCmd{}, "ledger")
	commander.Register(&resetRemoteCmd{}, "maintenance")
	commander.Register(&keygenCmd{}, "maintenance")

	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	status := commander.Execute(ctx)
	stop()

	os.Exit(int(status))
}
