// Package main is the entry point for the tunnel session broker.
// Unlike the teacher, which assembles its server and agent
// subcommands via Google Wire (cmd/otterscale/main.go, wire.go), this
// broker has one small, static dependency graph, so main wires it
// directly: config.New reads flags/env/file, NewServeCommand builds
// the one "serve" subcommand around it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tunnelbroker/broker/internal/cmd"
	"github.com/tunnelbroker/broker/internal/config"
)

// version is injected at build time via -ldflags
// (e.g. -ldflags "-X main.version=v1.2.3").
var version = "devel"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	conf, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	root, err := newRootCommand(conf)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	return root.ExecuteContext(ctx)
}

func newRootCommand(conf *config.Config) (*cobra.Command, error) {
	root := &cobra.Command{
		Use:           "tunnelbroker",
		Short:         "Tunnel Session Core: brokers workspace terminal sessions over relay tunnels",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd, err := cmd.NewServeCommand(conf)
	if err != nil {
		return nil, err
	}
	root.AddCommand(serveCmd)

	return root, nil
}
