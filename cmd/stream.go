// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	streamDuration time.Duration
	streamFrames   bool
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Print the statistics and preview frames a device pushes",
	Long: `Ask the device to send updates and print each statistics message as it
arrives. With --frames every preview frame is also printed as a pixel count
and the colour of the first pixels.

Useful for checking the connection is stable: the session reconnects on its
own, and the result summarizes how many messages arrived.

Exit codes:
  0 - Stream completed normally
  1 - No messages arrived
  2 - Connection error`,
	Args: cobra.NoArgs,
	RunE: runStream,
}

func init() {
	rootCmd.AddCommand(streamCmd)
	streamCmd.Flags().DurationVar(&streamDuration, "duration", 30*time.Second, "How long to stream (0 for until interrupted)")
	streamCmd.Flags().BoolVar(&streamFrames, "frames", false, "Also print preview frames")
}

func runStream(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if streamDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, streamDuration)
		defer cancel()
	}

	session, err := OpenSession(ctx)
	if err != nil {
		connectionError(err)
	}
	defer session.Close()

	fmt.Printf("Pixelstat - Update Stream\n")
	fmt.Printf("Device: %s\n", session.Address())
	if streamDuration > 0 {
		fmt.Printf("Duration: %v\n", streamDuration)
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	if err := session.SetSendPreviewFrames(ctx, true); err != nil {
		connectionError(err)
	}

	start := time.Now()
	statsReceived := 0
	framesReceived := 0
	failures := 0
	var lastUptime int64 = -1

	// Reading preview frames drains the socket; statistics messages pushed
	// between frames are cached by the session as they pass.
	for ctx.Err() == nil {
		frame, err := session.PreviewFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			failures++
			fmt.Printf("[%s] receive error: %v\n", time.Now().Format("15:04:05.000"), err)
			continue
		}
		framesReceived++
		if streamFrames {
			fmt.Printf("[%s] frame %d pixels %x\n",
				time.Now().Format("15:04:05.000"), len(frame)/3, frame[:min(len(frame), 12)])
		}

		stats := session.LatestStats()
		if stats == nil || stats.Uptime == lastUptime {
			continue
		}
		lastUptime = stats.Uptime
		statsReceived++
		fmt.Printf("[%s] fps=%.1f mem=%d uptime=%s",
			time.Now().Format("15:04:05.000"), stats.FPS, stats.Mem, formatUptime(uint64(max(stats.Uptime, 0))))
		if stats.VMErr != 0 {
			fmt.Printf(" vmerr=%d@%d", stats.VMErr, stats.VMErrPC)
		}
		fmt.Println()
	}

	// Stop the stream if the device is still there
	stopCtx, cancel := context.WithTimeout(context.Background(), session.Timeout())
	defer cancel()
	if err := session.SetSendPreviewFrames(stopCtx, false); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Debug().Err(err).Msg("could not stop updates")
	}

	fmt.Printf("\n--- Stream results ---\n")
	fmt.Printf("Duration: %v\n", time.Since(start).Round(time.Second))
	fmt.Printf("Statistics messages: %d\n", statsReceived)
	if streamFrames {
		fmt.Printf("Preview frames: %d\n", framesReceived)
	}
	fmt.Printf("Errors: %d\n", failures)

	if statsReceived == 0 && framesReceived == 0 {
		os.Exit(1)
	}
	return nil
}
