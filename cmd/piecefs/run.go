package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	databrickssdk "github.com/databricks/databricks-sdk-go"
	"github.com/spf13/pflag"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"piecefs/internal/databricks"
	"piecefs/internal/filecache"
	piecefuse "piecefs/internal/fuse"
	"piecefs/internal/logging"
	"piecefs/internal/retry"
)

// Shutdown timeout for committing dirty channels
const shutdownTimeout = 30 * time.Second

// cliConfig captures parsed command-line flags.
type cliConfig struct {
	showVersion bool
	debug       bool
	logLevel    string
	allowOther  bool
	enableCache bool
	cacheDir    string
	cacheSizeGB float64
	cacheTTL    time.Duration
	cacheVerify bool
	retries     int
	retryDelay  time.Duration
	configFile  string
	mountPoint  string
}

type cliError struct {
	exitCode int
	msg      string
	printed  bool
}

func (e *cliError) Error() string {
	return e.msg
}

type mountServer interface {
	Wait()
	Unmount() error
}

type runDeps struct {
	initWorkspace           func() (*databrickssdk.WorkspaceClient, error)
	workspaceMe             func(context.Context, *databrickssdk.WorkspaceClient) (string, error)
	currentUser             func() (*user.User, error)
	newDiskCache            func(string, int64, time.Duration) (*filecache.DiskCache, error)
	newDisabledCache        func() *filecache.DiskCache
	newWorkspaceFilesClient func(*databrickssdk.WorkspaceClient) (databricks.WorkspaceFilesAPI, error)
	newRootNode             func(databricks.WorkspaceFilesAPI, *filecache.DiskCache, string, *piecefuse.DirtyNodeRegistry, *piecefuse.NodeConfig) (*piecefuse.Node, error)
	mount                   func(string, fs.InodeEmbedder, *fs.Options) (mountServer, error)
	signalContext           func() (context.Context, context.CancelFunc)
	versionOut              func(string)
}

func defaultDeps() runDeps {
	return runDeps{
		initWorkspace: func() (*databrickssdk.WorkspaceClient, error) {
			return databrickssdk.NewWorkspaceClient()
		},
		workspaceMe: func(ctx context.Context, w *databrickssdk.WorkspaceClient) (string, error) {
			me, err := w.CurrentUser.Me(ctx)
			if err != nil {
				return "", err
			}
			return me.DisplayName, nil
		},
		currentUser:      user.Current,
		newDiskCache:     filecache.NewDiskCache,
		newDisabledCache: filecache.NewDisabledCache,
		newWorkspaceFilesClient: func(w *databrickssdk.WorkspaceClient) (databricks.WorkspaceFilesAPI, error) {
			return databricks.NewWorkspaceFilesClient(w)
		},
		newRootNode: piecefuse.NewRootNode,
		mount: func(mountPoint string, root fs.InodeEmbedder, opts *fs.Options) (mountServer, error) {
			return fs.Mount(mountPoint, root, opts)
		},
		signalContext: func() (context.Context, context.CancelFunc) {
			return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		},
		versionOut: func(s string) {
			fmt.Print(s)
		},
	}
}

func parseArgs(args []string) (cliConfig, error) {
	var cfg cliConfig
	if len(args) == 0 {
		return cfg, &cliError{exitCode: 1, msg: "Usage: piecefs MOUNTPOINT"}
	}

	flags := pflag.NewFlagSet(args[0], pflag.ContinueOnError)

	flags.BoolVar(&cfg.showVersion, "version", false, "print version and exit")
	flags.BoolVar(&cfg.debug, "debug", false, "print debug data (equivalent to --log-level=debug)")
	flags.StringVar(&cfg.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.BoolVar(&cfg.allowOther, "allow-other", false, "allow other users to access the mount")
	flags.BoolVar(&cfg.enableCache, "cache", true, "enable disk cache for file contents")
	flags.StringVar(&cfg.cacheDir, "cache-dir", filepath.Join(os.TempDir(), "piecefs-cache"), "cache directory path")
	flags.Float64Var(&cfg.cacheSizeGB, "cache-size", 10, "maximum cache size in GB")
	flags.DurationVar(&cfg.cacheTTL, "cache-ttl", 24*time.Hour, "cache TTL (e.g., 24h, 30m)")
	flags.BoolVar(&cfg.cacheVerify, "cache-verify", false, "verify cached file checksums before use")
	flags.IntVar(&cfg.retries, "retries", retry.DefaultMaxRetries, "retries of a failed commit before the error reaches the caller")
	flags.DurationVar(&cfg.retryDelay, "retry-delay", retry.DefaultInitialDelay, "delay before the first commit retry")
	flags.StringVarP(&cfg.configFile, "config", "c", "", "YAML file with defaults for these flags")

	if err := flags.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return cfg, &cliError{exitCode: 0, printed: true}
		}
		return cfg, &cliError{exitCode: 2, msg: err.Error(), printed: true}
	}

	if cfg.configFile != "" {
		fc, err := loadFileConfig(cfg.configFile)
		if err != nil {
			return cfg, &cliError{exitCode: 1, msg: fmt.Sprintf("Failed to load config: %v", err)}
		}
		if err := applyFileConfig(&cfg, fc, flags); err != nil {
			return cfg, &cliError{exitCode: 1, msg: fmt.Sprintf("Invalid config %s: %v", cfg.configFile, err)}
		}
	}

	if flags.NArg() > 0 {
		cfg.mountPoint = flags.Arg(0)
	}

	if cfg.mountPoint == "" && !cfg.showVersion {
		return cfg, &cliError{exitCode: 1, msg: fmt.Sprintf("Usage: %s MOUNTPOINT", args[0])}
	}

	return cfg, nil
}

func validateConfig(cfg cliConfig) error {
	if cfg.retries < 0 {
		return &cliError{exitCode: 1, msg: fmt.Sprintf("Invalid retries: %d (must not be negative)", cfg.retries)}
	}
	if cfg.retryDelay < 0 {
		return &cliError{exitCode: 1, msg: fmt.Sprintf("Invalid retry delay: %v (must not be negative)", cfg.retryDelay)}
	}
	if !cfg.enableCache {
		return nil
	}
	if cfg.cacheSizeGB <= 0 {
		return &cliError{exitCode: 1, msg: fmt.Sprintf("Invalid cache size: %.2f GB (must be positive)", cfg.cacheSizeGB)}
	}
	if cfg.cacheSizeGB > 1000 {
		return &cliError{exitCode: 1, msg: fmt.Sprintf("Invalid cache size: %.2f GB (maximum is 1000 GB)", cfg.cacheSizeGB)}
	}
	if cfg.cacheTTL <= 0 {
		return &cliError{exitCode: 1, msg: fmt.Sprintf("Invalid cache TTL: %v (must be positive)", cfg.cacheTTL)}
	}
	return nil
}

func buildRetryConfig(cfg cliConfig) retry.Config {
	rc := retry.DefaultConfig()
	rc.MaxRetries = cfg.retries
	rc.InitialDelay = cfg.retryDelay
	if rc.MaxDelay < rc.InitialDelay {
		rc.MaxDelay = rc.InitialDelay
	}
	return rc
}

func buildNodeConfig(ownerUid uint32, cfg cliConfig) *piecefuse.NodeConfig {
	return &piecefuse.NodeConfig{
		OwnerUid:       ownerUid,
		RestrictAccess: !cfg.allowOther,
		Retry:          buildRetryConfig(cfg),
		VerifyCache:    cfg.cacheVerify,
	}
}

func buildMountOptions(allowOther bool, debug bool) *fs.Options {
	attrTimeout := 30 * time.Second
	entryTimeout := 30 * time.Second
	negativeTimeout := 10 * time.Second

	opts := &fs.Options{
		AttrTimeout:     &attrTimeout,
		EntryTimeout:    &entryTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			AllowOther: allowOther,
			Name:       "piecefs",
			FsName:     "piecefs",
		},
	}
	opts.Debug = debug
	return opts
}

func versionString() string {
	return fmt.Sprintf("piecefs %s (commit: %s, built: %s)\n", version, commit, date)
}

// flushDirty commits every channel with pending edits before unmount.
func flushDirty(registry *piecefuse.DirtyNodeRegistry) {
	if registry.Count() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	flushed, errs := registry.FlushAll(ctx)
	for _, err := range errs {
		logging.Errorf("Flush error: %v", err)
	}
	if flushed > 0 {
		logging.Infof("Committed %d dirty file(s)", flushed)
	}
}

func run(args []string, deps runDeps) error {
	cfg, err := parseArgs(args)
	if err != nil {
		return err
	}

	if cfg.showVersion {
		deps.versionOut(versionString())
		return nil
	}

	// --debug takes precedence over --log-level
	if cfg.debug {
		logging.SetLevel(logging.LevelDebug)
	} else {
		logging.SetLevel(logging.ParseLevel(cfg.logLevel))
	}

	if err := validateConfig(cfg); err != nil {
		return err
	}

	w, err := deps.initWorkspace()
	if err != nil {
		return fmt.Errorf("Failed to create Databricks client: %w", err)
	}

	displayName, err := deps.workspaceMe(context.Background(), w)
	if err != nil {
		return fmt.Errorf("Failed to get current user: %w", err)
	}
	logging.Infof("Hello, %s! Mounting your Databricks workspace...", displayName)

	var diskCache *filecache.DiskCache
	if cfg.enableCache {
		cacheSizeBytes := int64(cfg.cacheSizeGB * 1024 * 1024 * 1024)
		diskCache, err = deps.newDiskCache(cfg.cacheDir, cacheSizeBytes, cfg.cacheTTL)
		if err != nil {
			return fmt.Errorf("Failed to create disk cache: %w", err)
		}
		logging.Debugf("Disk cache enabled: dir=%s, size=%.1fGB, ttl=%v, verify=%v", cfg.cacheDir, cfg.cacheSizeGB, cfg.cacheTTL, cfg.cacheVerify)
	} else {
		diskCache = deps.newDisabledCache()
		logging.Debugf("Disk cache disabled, originals are held in memory")
	}

	wfclient, err := deps.newWorkspaceFilesClient(w)
	if err != nil {
		return fmt.Errorf("Failed to create Databricks Workspace Files Client: %w", err)
	}

	registry := piecefuse.NewDirtyNodeRegistry()

	currentUser, err := deps.currentUser()
	if err != nil {
		return fmt.Errorf("Failed to get current user: %w", err)
	}
	ownerUid, err := strconv.ParseUint(currentUser.Uid, 10, 32)
	if err != nil {
		return fmt.Errorf("Failed to parse UID: %w", err)
	}

	// Without --allow-other only the mount owner may access the mount.
	nodeConfig := buildNodeConfig(uint32(ownerUid), cfg)
	if cfg.allowOther {
		logging.Infof("allow-other enabled: all local users can access the mount")
	} else {
		logging.Debugf("Access control enabled: only UID %d can access the mount", ownerUid)
	}

	root, err := deps.newRootNode(wfclient, diskCache, "/", registry, nodeConfig)
	if err != nil {
		return fmt.Errorf("Failed to create root node: %w", err)
	}

	opts := buildMountOptions(cfg.allowOther, cfg.debug)
	server, err := deps.mount(cfg.mountPoint, root, opts)
	if err != nil {
		return fmt.Errorf("Mount fail: %w", err)
	}
	logging.Infof("Mounted Databricks workspace on %s", cfg.mountPoint)
	logging.Infof("Press Ctrl+C to unmount")

	ctx, stop := deps.signalContext()
	defer stop()

	var unmountOnce sync.Once
	unmount := func() {
		unmountOnce.Do(func() {
			if err := server.Unmount(); err != nil {
				logging.Errorf("Unmount error: %v", err)
			}
		})
	}

	go func() {
		<-ctx.Done()
		logging.Infof("Shutdown signal received, committing dirty files...")
		flushDirty(registry)
		unmount()
	}()

	server.Wait()
	return nil
}
