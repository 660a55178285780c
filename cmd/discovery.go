// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/pixelstat/pkg/discovery"
)

var (
	discoverDuration time.Duration
	discoverTimeSync bool
	discoverWatch    bool
	enumerateQuiet   time.Duration
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Listen for Pixelblaze beacons on the local network",
	Long: `Listen on UDP port 1889 for the beacons Pixelblaze devices broadcast
every second, and report the live devices.

With --timesync this host also answers each beacon with a time sync packet,
acting as the time source for the devices. If another time source is seen,
time sync is disabled automatically.

Examples:
  # List devices seen in five seconds
  pixelstat discover

  # Keep printing devices as they beacon, acting as time source
  pixelstat discover --watch --timesync

Exit codes:
  0 - Discovery successful (at least one device found)
  1 - No devices found
  2 - Could not bind the discovery port`,
	RunE: runDiscover,
}

var enumerateCmd = &cobra.Command{
	Use:   "enumerate",
	Short: "Print the address of each device once, then exit",
	Long: `Print each device address as its first beacon arrives, and exit once no
new device has appeared for the quiet period. No registry is kept and no
time sync packets are sent.

Exit codes:
  0 - At least one device found
  1 - No devices found
  2 - Could not bind the discovery port`,
	RunE: runEnumerate,
}

func init() {
	rootCmd.AddCommand(discoverCmd)
	discoverCmd.Flags().DurationVar(&discoverDuration, "duration", 5*time.Second, "How long to listen")
	discoverCmd.Flags().BoolVar(&discoverTimeSync, "timesync", false, "Act as time source for the devices")
	discoverCmd.Flags().BoolVar(&discoverWatch, "watch", false, "Print devices until interrupted")

	rootCmd.AddCommand(enumerateCmd)
	enumerateCmd.Flags().DurationVar(&enumerateQuiet, "quiet", 0, "Quiet period that ends the enumeration (default 1.5s)")
}

func discoveryOptions() []discovery.Option {
	return []discovery.Option{
		discovery.WithAddress(settings.ListenAddress),
		discovery.WithDeviceTimeout(settings.DeviceTimeout),
		discovery.WithSyncID(settings.SyncID),
		discovery.WithLogger(logger),
	}
}

func runDiscover(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	opts := append(discoveryOptions(), discovery.WithTimeSync(discoverTimeSync))

	listener, err := discovery.Listen(ctx, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Discovery error: %v\n", err)
		os.Exit(2)
	}
	defer listener.Close()

	fmt.Printf("Pixelstat - Device Discovery\n")
	fmt.Printf("Listening: %s\n", listener.Addr())
	fmt.Printf("Time sync: %v\n", listener.TimeSyncEnabled())
	if !discoverWatch {
		fmt.Printf("Duration: %v\n", discoverDuration)
	}
	fmt.Println()

	var deadline <-chan time.Time
	if !discoverWatch {
		deadline = time.After(discoverDuration)
	}

	seen := make(map[uint32]bool)
	for done := false; !done; {
		select {
		case d, ok := <-listener.Events():
			if !ok {
				done = true
				break
			}
			if !seen[d.ID] {
				seen[d.ID] = true
				fmt.Printf("Device found: id=%d address=%s\n", d.ID, d.IP())
			}
		case <-deadline:
			done = true
		case <-ctx.Done():
			done = true
		}
	}

	// Summary
	devices := listener.Devices()
	fmt.Printf("\n--- Discovery summary ---\n")
	fmt.Printf("Devices found: %d\n", len(devices))
	for _, d := range devices {
		fmt.Printf("  %-10d %-16s last seen %v ago\n", d.ID, d.IP(), time.Since(d.LastSeen).Round(time.Millisecond))
	}
	if discoverTimeSync && !listener.TimeSyncEnabled() {
		fmt.Printf("Time sync was disabled: another time source is active.\n")
	}

	if len(devices) == 0 {
		fmt.Printf("No devices discovered. Check that the devices are on this network.\n")
		os.Exit(1)
	}
	return nil
}

func runEnumerate(cmd *cobra.Command, args []string) error {
	quiet := enumerateQuiet
	if quiet == 0 {
		quiet = settings.QuietPeriod
	}

	addresses, err := discovery.Enumerate(cmd.Context(), quiet, discoveryOptions()...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Discovery error: %v\n", err)
		os.Exit(2)
	}

	found := 0
	for addr := range addresses {
		fmt.Println(addr)
		found++
	}
	if found == 0 {
		os.Exit(1)
	}
	return nil
}
