// Package main provides the entry point for the marge CLI.
package main

import (
	"fmt"
	"os"

	"github.com/randalmurphal/marge/internal/cli"
	margeerrors "github.com/randalmurphal/marge/internal/errors"
)

func main() {
	ctx, cancel := cli.SetupSignalHandler()
	defer cancel()

	if err := cli.ExecuteContext(ctx); err != nil {
		if me := margeerrors.AsMargeError(err); me != nil {
			fmt.Fprintln(os.Stderr, me.UserMessage())
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(margeerrors.ExitCode(err))
	}
}
