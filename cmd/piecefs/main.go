// piecefs mounts a Databricks workspace. Open files are edited in place
// through piece buffers over the cached originals and committed on close.
package main

import (
	"errors"
	"fmt"
	"os"
)

// Set by the release build with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	err := run(os.Args, defaultDeps())
	if err == nil {
		return
	}

	var cliErr *cliError
	if errors.As(err, &cliErr) {
		if !cliErr.printed && cliErr.msg != "" {
			fmt.Fprintln(os.Stderr, cliErr.msg)
		}
		os.Exit(cliErr.exitCode)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
