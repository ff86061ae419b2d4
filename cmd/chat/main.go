package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ledzpl/linechat/internal/client"
	"github.com/ledzpl/linechat/pkg/logging"
	"github.com/ledzpl/linechat/pkg/wire"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "chat: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := flag.NewFlagSet("chat", flag.ContinueOnError)
	addr := flags.String("addr", "localhost:8080", "Chat server address")
	username := flags.String("username", "", "Username to log in with (required)")
	id := flags.String("id", "", "User id (default: a random UUID)")
	logLevel := flags.String("log-level", "warn", "Log level: "+logging.LevelNames())
	noColor := flags.Bool("no-color", false, "Disable colored output")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if *username == "" {
		return errors.New("-username is required")
	}

	logger, err := logging.New(logging.Options{Level: *logLevel, Output: os.Stderr})
	if err != nil {
		return err
	}

	c, err := client.New(*addr, wire.User{ID: *id, Username: *username}, client.WithLogger(logger))
	if err != nil {
		return err
	}

	var consoleOpts []client.ConsoleOption
	if *noColor {
		consoleOpts = append(consoleOpts, client.WithoutColor())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = c.Run(ctx, client.NewLineReader(os.Stdin), client.NewConsole(os.Stdout, consoleOpts...))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
