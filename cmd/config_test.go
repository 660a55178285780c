// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Thermoquad/pixelstat/pkg/pbb"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pixelstat.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// ============================================================
// LoadConfig
// ============================================================

func TestLoadConfig_Overlay(t *testing.T) {
	path := writeConfig(t, `
log_level = "debug"
metrics_address = "127.0.0.1:9000"

[device]
address = "192.168.1.20"
timeout = "2s"

[discovery]
quiet_period = "500ms"
sync_id = 7

[archive]
bucket = "leds"
endpoint = "http://minio:9000"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	defaults := DefaultConfig()
	tests := []struct {
		name string
		got  any
		want any
	}{
		{"address", cfg.Address, "192.168.1.20"},
		{"timeout", cfg.Timeout, 2 * time.Second},
		{"cache refresh keeps default", cfg.CacheRefresh, defaults.CacheRefresh},
		{"quiet period", cfg.QuietPeriod, 500 * time.Millisecond},
		{"device timeout keeps default", cfg.DeviceTimeout, defaults.DeviceTimeout},
		{"sync id", cfg.SyncID, uint32(7)},
		{"listen keeps default", cfg.ListenAddress, defaults.ListenAddress},
		{"log level", cfg.LogLevel, "debug"},
		{"metrics address", cfg.MetricsAddress, "127.0.0.1:9000"},
		{"bucket", cfg.Archive.Bucket, "leds"},
		{"prefix keeps default", cfg.Archive.Prefix, "pixelstat/"},
		{"endpoint", cfg.Archive.Endpoint, "http://minio:9000"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name     string
		contents string
		wantErr  string
	}{
		{"bad duration", "[device]\ntimeout = \"soon\"\n", "device.timeout"},
		{"unknown key", "[device]\nport = 81\n", "unknown key"},
		{"bad syntax", "[device\n", "load config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.contents))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for a missing file")
	}
}

// ============================================================
// Logging
// ============================================================

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "info")
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger.Debug().Msg("hidden")
	logger.Info().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug line written at info level: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("info line missing: %q", out)
	}
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	if _, err := newLogger(&bytes.Buffer{}, "loud"); err == nil {
		t.Error("expected error for an unknown level")
	}
}

// ============================================================
// Address and argument helpers
// ============================================================

func TestFileHost(t *testing.T) {
	tests := []struct {
		address string
		want    string
	}{
		{"192.168.1.20", "192.168.1.20"},
		{"pixelblaze.local:8081", "pixelblaze.local"},
		{"ws://10.0.0.5:81", "10.0.0.5"},
		{"wss://proxy.example/pb", "proxy.example"},
		{"[::1]", "[::1]"},
		{"[::1]:81", "[::1]"},
	}
	for _, tt := range tests {
		if got := fileHost(tt.address); got != tt.want {
			t.Errorf("fileHost(%q) = %q, want %q", tt.address, got, tt.want)
		}
	}
}

func TestParseFileTypes(t *testing.T) {
	tests := []struct {
		input   string
		want    pbb.FileType
		wantErr bool
	}{
		{"all", pbb.FileAll, false},
		{"pattern", pbb.FilePattern, false},
		{"pattern, setting", pbb.FilePattern | pbb.FilePatternSetting, false},
		{"Config,Playlist", pbb.FileConfig | pbb.FilePlaylist, false},
		{"patterns", 0, true},
	}
	for _, tt := range tests {
		got, err := parseFileTypes(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseFileTypes(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseFileTypes(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestDevicePath(t *testing.T) {
	if got := devicePath("config.json"); got != "/config.json" {
		t.Errorf("devicePath = %q", got)
	}
	if got := devicePath("/p/abc"); got != "/p/abc" {
		t.Errorf("devicePath = %q", got)
	}
}
