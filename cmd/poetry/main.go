package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/acldm/chinese-poetry/internal/shutdown"
)

// token is set by the first interrupt. Running files finish their current
// batch and pause; a second interrupt exits without further writes.
var token = shutdown.New()

func main() {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		fmt.Fprintln(os.Stderr, "interrupt: finishing in-flight batches, press Ctrl+C again to exit now")
		token.RequestCancel()
		<-sigs
		fmt.Fprintln(os.Stderr, "interrupt: exiting")
		os.Exit(1)
	}()

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// interruptible returns a context cancelled by the first interrupt, for
// commands that have no batch boundary to stop at.
func interruptible(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-token.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
