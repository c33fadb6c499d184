package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// SetupSignalHandler returns a context cancelled on the first SIGINT or
// SIGTERM (spec §5 "Cancellation": a flag checked at every suspension
// point). A second signal forces an immediate exit rather than waiting
// for an in-flight FINALISE to decide it is done.
func SetupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "received %s, finishing in-flight merges and shutting down...\n", sig)
		cancel()

		sig = <-sigCh
		fmt.Fprintf(os.Stderr, "received %s again, forcing exit\n", sig)
		os.Exit(1)
	}()

	return ctx, cancel
}
