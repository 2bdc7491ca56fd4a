package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML form of the command line. Keys mirror the flag
// names with underscores; absent keys leave the flag value alone.
//
//	log_level: debug
//	cache_dir: /var/cache/piecefs
//	cache_ttl: 12h
//	retries: 3
type fileConfig struct {
	LogLevel    *string  `yaml:"log_level"`
	Debug       *bool    `yaml:"debug"`
	AllowOther  *bool    `yaml:"allow_other"`
	Cache       *bool    `yaml:"cache"`
	CacheDir    *string  `yaml:"cache_dir"`
	CacheSize   *float64 `yaml:"cache_size"`
	CacheTTL    *string  `yaml:"cache_ttl"`
	CacheVerify *bool    `yaml:"cache_verify"`
	Retries     *int     `yaml:"retries"`
	RetryDelay  *string  `yaml:"retry_delay"`
}

func loadFileConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &fc, nil
}

// applyFileConfig copies values from fc into cfg for every flag that was
// not set on the command line.
func applyFileConfig(cfg *cliConfig, fc *fileConfig, flags *pflag.FlagSet) error {
	unset := func(name string) bool { return !flags.Changed(name) }

	if fc.LogLevel != nil && unset("log-level") {
		cfg.logLevel = *fc.LogLevel
	}
	if fc.Debug != nil && unset("debug") {
		cfg.debug = *fc.Debug
	}
	if fc.AllowOther != nil && unset("allow-other") {
		cfg.allowOther = *fc.AllowOther
	}
	if fc.Cache != nil && unset("cache") {
		cfg.enableCache = *fc.Cache
	}
	if fc.CacheDir != nil && unset("cache-dir") {
		cfg.cacheDir = *fc.CacheDir
	}
	if fc.CacheSize != nil && unset("cache-size") {
		cfg.cacheSizeGB = *fc.CacheSize
	}
	if fc.CacheTTL != nil && unset("cache-ttl") {
		d, err := time.ParseDuration(*fc.CacheTTL)
		if err != nil {
			return fmt.Errorf("cache_ttl: %w", err)
		}
		cfg.cacheTTL = d
	}
	if fc.CacheVerify != nil && unset("cache-verify") {
		cfg.cacheVerify = *fc.CacheVerify
	}
	if fc.Retries != nil && unset("retries") {
		cfg.retries = *fc.Retries
	}
	if fc.RetryDelay != nil && unset("retry-delay") {
		d, err := time.ParseDuration(*fc.RetryDelay)
		if err != nil {
			return fmt.Errorf("retry_delay: %w", err)
		}
		cfg.retryDelay = d
	}
	return nil
}
