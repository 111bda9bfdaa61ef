package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"golang.org/x/term"

	"github.com/tis24dev/ibex/internal/cli"
	"github.com/tis24dev/ibex/internal/logging"
	"github.com/tis24dev/ibex/internal/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	bootstrap := logging.NewBootstrapLogger()

	defer func() {
		if r := recover(); r != nil {
			bootstrap.Critical("PANIC: %v", r)
			fmt.Fprintf(os.Stderr, "%s\n", debug.Stack())
			os.Exit(types.ExitFailure.Int())
		}
	}()

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	// SIGINT/SIGTERM cancel the run context, which kills the running child.
	// The cause ends up in the command log.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		bootstrap.Warning("Received signal %v, stopping", sig)
		cancel(fmt.Errorf("received signal %v", sig))
	}()

	useColor := term.IsTerminal(int(os.Stdout.Fd()))
	bootstrap.Debug("Console colour: %t", useColor)

	app := cli.NewApp(useColor)
	app.Bootstrap = bootstrap
	return app.Execute(ctx, os.Args[1:])
}
