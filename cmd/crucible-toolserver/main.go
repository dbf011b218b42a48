// Command crucible-toolserver is the sandbox container's entrypoint. It
// speaks the length-prefixed frame protocol on stdin/stdout; everything
// else goes to stderr.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/odvcencio/crucible/pkg/toolserver"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := toolserver.New(os.Stdin, os.Stdout)
	if err := server.Serve(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "tool server: %v\n", err)
		os.Exit(1)
	}
}
