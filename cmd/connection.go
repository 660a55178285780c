// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/Thermoquad/pixelstat/pkg/pixelblaze"
	"github.com/Thermoquad/pixelstat/pkg/telemetry"
)

// ErrNoAddress is returned by device commands run without --address
var ErrNoAddress = errors.New("no device address: use --address or set device.address in the config file")

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	// First check environment variable
	if pw := os.Getenv("PIXELSTAT_PASSWORD"); pw != "" {
		return pw, nil
	}

	// Prompt user for password (hide input)
	fmt.Fprint(os.Stderr, "Password: ")

	// Read password without echo
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Fallback to regular input if terminal functions fail
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr) // newline after password
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr) // newline after password
	return string(passwordBytes), nil
}

// sessionOptions builds the session options from the resolved settings
func sessionOptions(metrics *telemetry.Metrics) ([]pixelblaze.Option, error) {
	opts := []pixelblaze.Option{
		pixelblaze.WithTimeout(settings.Timeout),
		pixelblaze.WithCacheRefresh(settings.CacheRefresh),
		pixelblaze.WithInsecureTLS(noSSLVerify),
		pixelblaze.WithLogger(logger),
		pixelblaze.WithMetrics(metrics),
	}
	if settings.Username != "" {
		password, err := GetPassword()
		if err != nil {
			return nil, err
		}
		opts = append(opts, pixelblaze.WithBasicAuth(settings.Username, password))
	}
	return opts, nil
}

// OpenSession connects to the configured device
func OpenSession(ctx context.Context) (*pixelblaze.Session, error) {
	if settings.Address == "" {
		return nil, ErrNoAddress
	}
	opts, err := sessionOptions(nil)
	if err != nil {
		return nil, err
	}
	return pixelblaze.Open(ctx, settings.Address, opts...)
}

// OpenFileClient returns an HTTP file client for the configured device.
// Firmware without a file list falls back to the pattern list of session.
func OpenFileClient(session *pixelblaze.Session) (*pixelblaze.FileClient, error) {
	if settings.Address == "" {
		return nil, ErrNoAddress
	}
	opts := []pixelblaze.FileOption{pixelblaze.WithFileLogger(logger)}
	if session != nil {
		opts = append(opts, pixelblaze.WithPatternLister(session))
	}
	return pixelblaze.NewFileClient(fileHost(settings.Address), opts...)
}

// fileHost strips the websocket scheme and port from a device address; the
// file endpoint is plain HTTP on port 80
func fileHost(address string) string {
	host := address
	for _, scheme := range []string{"ws://", "wss://"} {
		host = strings.TrimPrefix(host, scheme)
	}
	host, _, _ = strings.Cut(host, "/")
	if i := strings.LastIndex(host, ":"); i > 0 && !strings.HasSuffix(host, "]") {
		host = host[:i]
	}
	return host
}

// connectionError reports a failure to reach the device and exits with
// status 2
func connectionError(err error) {
	fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
	os.Exit(2)
}
