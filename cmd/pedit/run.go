package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/spf13/pflag"

	"piecefs/internal/channel"
	"piecefs/internal/logging"
	"piecefs/internal/retry"
	"piecefs/internal/store"
)

type cliConfig struct {
	logLevel string
	order    string
	mmap     bool
	dryRun   bool
	print    bool
	path     string
	edits    []string
}

type cliError struct {
	exitCode int
	msg      string
	printed  bool
}

func (e *cliError) Error() string {
	return e.msg
}

func usage(name string) string {
	return fmt.Sprintf("Usage: %s [flags] FILE EDIT...", name)
}

func parseArgs(args []string) (cliConfig, error) {
	var cfg cliConfig
	if len(args) == 0 {
		return cfg, &cliError{exitCode: 1, msg: usage("pedit")}
	}

	flags := pflag.NewFlagSet(args[0], pflag.ContinueOnError)
	flags.StringVar(&cfg.logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	flags.StringVar(&cfg.order, "order", "big", "byte order of scalar edits: big, little, native")
	flags.BoolVar(&cfg.mmap, "mmap", true, "memory-map FILE instead of using positioned reads")
	flags.BoolVarP(&cfg.dryRun, "dry-run", "n", false, "apply the edits without writing FILE")
	flags.BoolVarP(&cfg.print, "print", "p", false, "print the resulting content to stdout")

	if err := flags.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return cfg, &cliError{exitCode: 0, printed: true}
		}
		return cfg, &cliError{exitCode: 2, msg: err.Error(), printed: true}
	}

	if flags.NArg() < 1 {
		return cfg, &cliError{exitCode: 1, msg: usage(args[0])}
	}
	cfg.path = flags.Arg(0)
	cfg.edits = flags.Args()[1:]
	return cfg, nil
}

// openSource returns the original content of path. A missing file starts
// empty and is created on commit.
func openSource(path string, mmap bool) (store.Store, []channel.Option, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		logging.Debugf("%s does not exist, starting empty", path)
		return store.NewMemory(nil), []channel.Option{channel.WithDirty()}, nil
	} else if err != nil {
		return nil, nil, err
	}

	if mmap {
		m, err := store.MapFile(path)
		if err != nil {
			return nil, nil, err
		}
		return m, nil, nil
	}
	f, err := store.OpenFile(path)
	if err != nil {
		return nil, nil, err
	}
	return f, nil, nil
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	cfg, err := parseArgs(args)
	if err != nil {
		return err
	}
	logging.SetLevel(logging.ParseLevel(cfg.logLevel))

	order, err := store.ParseOrder(cfg.order)
	if err != nil {
		return &cliError{exitCode: 2, msg: err.Error()}
	}

	edits := make([]edit, 0, len(cfg.edits))
	for _, s := range cfg.edits {
		e, err := parseEdit(s)
		if err != nil {
			return &cliError{exitCode: 2, msg: err.Error()}
		}
		edits = append(edits, e)
	}

	src, opts, err := openSource(cfg.path, cfg.mmap)
	if err != nil {
		return fmt.Errorf("open %s: %w", cfg.path, err)
	}
	// Local writes either work or fail for good.
	opts = append(opts, channel.WithName(cfg.path), channel.WithRetry(retry.Config{}))
	ch := channel.Open(src, channel.FileSink(cfg.path), opts...)
	ch.SetOrder(order)

	for i, e := range edits {
		if err := e.apply(ch, stdout); err != nil {
			ch.Discard()
			return fmt.Errorf("edit %d (%s): %w", i+1, e.raw, err)
		}
	}

	if cfg.print {
		data, err := ch.Snapshot()
		if err != nil {
			ch.Discard()
			return err
		}
		if _, err := stdout.Write(data); err != nil {
			ch.Discard()
			return err
		}
	}

	if cfg.dryRun {
		logging.Infof("dry run, %s left unchanged", cfg.path)
		return ch.Discard()
	}
	if err := ch.Close(ctx); err != nil {
		ch.Discard()
		return fmt.Errorf("commit %s: %w", cfg.path, err)
	}
	return nil
}
