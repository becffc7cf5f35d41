package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zkauth/fsid/internal/fsid-cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := fsid.CLI()
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Printf("%+v\n", err)
		stop()
		os.Exit(1)
	}
}
