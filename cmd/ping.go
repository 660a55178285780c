// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var pingCount int

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Test the websocket connection by sending pings to a device",
	Long: `Send ping commands to a Pixelblaze and wait for each acknowledgement.

This is useful for verifying:
  - The websocket connection is established
  - HTTP Basic authentication works (proxied devices)
  - The device is processing commands

Exit codes:
  0 - All pings successful
  1 - One or more pings failed/timed out
  2 - Connection error`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of pings to send")
}

func runPing(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	session, err := OpenSession(ctx)
	if err != nil {
		connectionError(err)
	}
	defer session.Close()

	fmt.Printf("Pixelstat - Ping Test\n")
	fmt.Printf("Device: %s\n", session.Address())
	fmt.Printf("Timeout: %v per ping\n", session.Timeout())
	fmt.Printf("Count: %d pings\n\n", pingCount)

	successCount := 0
	failCount := 0

	for i := 1; i <= pingCount; i++ {
		fmt.Printf("Ping %d/%d: ", i, pingCount)

		startTime := time.Now()
		pingCtx, cancel := context.WithTimeout(ctx, 10*session.Timeout())
		err := session.Ping(pingCtx)
		cancel()

		if err != nil {
			fmt.Printf("FAILED: %v\n", err)
			failCount++
		} else {
			fmt.Printf("ack, rtt=%v\n", time.Since(startTime).Round(time.Millisecond))
			successCount++
		}

		// Small delay between pings
		if i < pingCount {
			time.Sleep(100 * time.Millisecond)
		}
	}

	// Summary
	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d acknowledged, %.0f%% loss\n",
		pingCount, successCount, float64(failCount)/float64(max(pingCount, 1))*100)

	if failCount > 0 {
		os.Exit(1)
	}
	return nil
}
