// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
)

var (
	infoJSON  bool
	infoStats bool
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show device settings, sequencer state and output expander layout",
	Long: `Fetch the configuration of a device: its settings, the sequencer state
and, when one is attached, the output expander configuration.

With --stats the latest statistics message (frame rate, memory, uptime) is
included. With --json everything is printed as one JSON document.`,
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
	infoCmd.Flags().BoolVar(&infoJSON, "json", false, "Print JSON")
	infoCmd.Flags().BoolVar(&infoStats, "stats", false, "Include runtime statistics")
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	session, err := OpenSession(ctx)
	if err != nil {
		connectionError(err)
	}
	defer session.Close()

	config, err := session.ConfigSettings(ctx)
	if err != nil {
		return fmt.Errorf("get settings: %w", err)
	}
	sequencer, err := session.ConfigSequencer(ctx)
	if err != nil {
		return fmt.Errorf("get sequencer: %w", err)
	}
	expander, err := session.ConfigExpander(ctx)
	if err != nil {
		return fmt.Errorf("get expander: %w", err)
	}

	report := map[string]any{
		"settings":  config,
		"sequencer": sequencer,
		"expander":  expander,
	}
	if infoStats {
		stats, err := session.Statistics(ctx)
		if err != nil {
			return fmt.Errorf("get statistics: %w", err)
		}
		report["stats"] = stats
	}

	if infoJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Printf("Device: %s\n", session.Address())
	fmt.Printf("Name: %s\n", config.String("name"))
	fmt.Printf("Firmware: %s\n", config.String("ver"))

	fmt.Printf("\n--- Settings ---\n")
	keys := make([]string, 0, len(config))
	for k := range config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-20s %v\n", k, config[k])
	}

	fmt.Printf("\n--- Sequencer ---\n")
	fmt.Printf("  Active pattern: %s (%s)\n", sequencer.ActiveProgram.Name, sequencer.ActiveProgram.ActiveProgramID)
	fmt.Printf("  Mode: %s\n", sequencer.SequencerMode)
	fmt.Printf("  Running: %v\n", sequencer.RunSequencer)

	if expander != nil {
		fmt.Printf("\n--- Output expander ---\n")
		for _, board := range expander.Boards {
			fmt.Printf("  Board %d\n", board.Address)
			for _, ch := range board.Channels {
				if ch.LEDType == 0 {
					continue
				}
				fmt.Printf("    ch%d type=%d order=%s pixels=%d start=%d speed=%d\n",
					ch.Channel, ch.LEDType, ch.ColorOrder, ch.PixelCount, ch.StartIndex, ch.DataSpeed)
			}
		}
	}

	if s, ok := report["stats"]; ok {
		fmt.Printf("\n--- Statistics ---\n")
		data, _ := json.MarshalIndent(s, "  ", "  ")
		fmt.Printf("  %s\n", data)
	}
	return nil
}
