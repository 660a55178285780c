// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Device connection flags
	deviceAddress string
	username      string
	noSSLVerify   bool
	timeout       time.Duration

	// Global flags
	configPath string
	logLevel   string

	// Resolved by loadSettings before any command runs
	settings Config
	logger   = zerolog.Nop()
)

var rootCmd = &cobra.Command{
	Use:   "pixelstat",
	Short: "Pixelblaze LED Controller Client",
	Long: `Pixelstat - A CLI tool for discovering, monitoring and managing Pixelblaze
LED controllers.

Provides commands for network discovery and time sync, pattern management,
backups, file transfer and a live monitor.

Device address:
  --address 192.168.1.20          (websocket port 81)
  --address pixelblaze.local:8081
  --address wss://proxy.example/pb [--username user]

For devices behind an authenticating proxy, the password is read from the
PIXELSTAT_PASSWORD environment variable, or prompted interactively if not set.
The --password flag is intentionally not provided to avoid leaking credentials
in shell history.

Settings may also be given in a TOML file with --config or PIXELSTAT_CONFIG;
flags take precedence over the file.`,
	Version:           "1.0.0",
	SilenceUsage:      true,
	PersistentPreRunE: loadSettings,
}

func init() {
	// Device connection flags
	rootCmd.PersistentFlags().StringVarP(&deviceAddress, "address", "a", "", "Device address (host, host:port, ws:// or wss:// URL)")
	rootCmd.PersistentFlags().StringVar(&username, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&noSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 0, "Receive timeout (default 1s)")

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

// loadSettings merges the configuration file, environment and flags
func loadSettings(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = os.Getenv("PIXELSTAT_CONFIG")
	}

	settings = DefaultConfig()
	if path != "" {
		cfg, err := LoadConfig(path)
		if err != nil {
			return err
		}
		settings = cfg
	}

	flags := cmd.Flags()
	if flags.Changed("address") {
		settings.Address = deviceAddress
	}
	if flags.Changed("username") {
		settings.Username = username
	}
	if flags.Changed("timeout") {
		settings.Timeout = timeout
	}
	if lvl := os.Getenv("PIXELSTAT_LOG_LEVEL"); lvl != "" {
		settings.LogLevel = lvl
	}
	if flags.Changed("log-level") {
		settings.LogLevel = logLevel
	}

	l, err := newLogger(os.Stderr, settings.LogLevel)
	if err != nil {
		return err
	}
	logger = l
	return nil
}

// Execute runs the root command. Cancelling ctx stops long running
// commands such as discover --watch and monitor.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
