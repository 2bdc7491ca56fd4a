// pedit applies byte-level edits to a file through a piece buffer. Only the
// final content is written, once, after every edit succeeded.
//
//	pedit data.bin put:0x10:abc insert:0:hdr remove:4:2 u32:8:0xCAFE
//	pedit --order=little -n data.bin f64:16
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args, os.Stdout)
	stop()
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
	fmt.Fprintf(os.Stderr, "pedit: %v\n", err)
	os.Exit(1)
}
