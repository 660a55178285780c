// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Thermoquad/pixelstat/pkg/archive"
	"github.com/Thermoquad/pixelstat/pkg/discovery"
	"github.com/Thermoquad/pixelstat/pkg/pixelblaze"
)

// Config holds the settings shared by every command
type Config struct {
	Address      string
	Username     string
	Timeout      time.Duration
	CacheRefresh time.Duration
	LogLevel     string

	ListenAddress string
	DeviceTimeout time.Duration
	QuietPeriod   time.Duration
	SyncID        uint32

	MetricsAddress string
	Archive        archive.Config
}

// DefaultConfig returns the settings used when no file or flag overrides them
func DefaultConfig() Config {
	return Config{
		Timeout:        pixelblaze.DefaultTimeout,
		CacheRefresh:   pixelblaze.DefaultCacheRefresh,
		LogLevel:       "warn",
		ListenAddress:  fmt.Sprintf(":%d", discovery.Port),
		DeviceTimeout:  discovery.DefaultDeviceTimeout,
		QuietPeriod:    discovery.DefaultQuietPeriod,
		SyncID:         discovery.DefaultSyncID,
		MetricsAddress: ":9189",
		Archive: archive.Config{
			Prefix: "pixelstat/",
		},
	}
}

type fileConfig struct {
	Device struct {
		Address      string `toml:"address"`
		Username     string `toml:"username"`
		Timeout      string `toml:"timeout"`
		CacheRefresh string `toml:"cache_refresh"`
	} `toml:"device"`
	Discovery struct {
		Listen        string `toml:"listen"`
		DeviceTimeout string `toml:"device_timeout"`
		QuietPeriod   string `toml:"quiet_period"`
		SyncID        uint32 `toml:"sync_id"`
	} `toml:"discovery"`
	Archive struct {
		Bucket   string `toml:"bucket"`
		Prefix   string `toml:"prefix"`
		Region   string `toml:"region"`
		Endpoint string `toml:"endpoint"`
	} `toml:"archive"`
	LogLevel       string `toml:"log_level"`
	MetricsAddress string `toml:"metrics_address"`
}

// LoadConfig overlays the keys defined in a TOML file on DefaultConfig
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	durations := []struct {
		key    []string
		value  string
		target *time.Duration
	}{
		{[]string{"device", "timeout"}, raw.Device.Timeout, &cfg.Timeout},
		{[]string{"device", "cache_refresh"}, raw.Device.CacheRefresh, &cfg.CacheRefresh},
		{[]string{"discovery", "device_timeout"}, raw.Discovery.DeviceTimeout, &cfg.DeviceTimeout},
		{[]string{"discovery", "quiet_period"}, raw.Discovery.QuietPeriod, &cfg.QuietPeriod},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.value))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", strings.Join(d.key, "."), err)
		}
		*d.target = v
	}

	if meta.IsDefined("device", "address") {
		cfg.Address = strings.TrimSpace(raw.Device.Address)
	}
	if meta.IsDefined("device", "username") {
		cfg.Username = strings.TrimSpace(raw.Device.Username)
	}
	if meta.IsDefined("discovery", "listen") {
		cfg.ListenAddress = strings.TrimSpace(raw.Discovery.Listen)
	}
	if meta.IsDefined("discovery", "sync_id") {
		cfg.SyncID = raw.Discovery.SyncID
	}
	if meta.IsDefined("archive", "bucket") {
		cfg.Archive.Bucket = strings.TrimSpace(raw.Archive.Bucket)
	}
	if meta.IsDefined("archive", "prefix") {
		cfg.Archive.Prefix = strings.TrimSpace(raw.Archive.Prefix)
	}
	if meta.IsDefined("archive", "region") {
		cfg.Archive.Region = strings.TrimSpace(raw.Archive.Region)
	}
	if meta.IsDefined("archive", "endpoint") {
		cfg.Archive.Endpoint = strings.TrimSpace(raw.Archive.Endpoint)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("metrics_address") {
		cfg.MetricsAddress = strings.TrimSpace(raw.MetricsAddress)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %s", undecoded[0])
	}
	return cfg, nil
}
