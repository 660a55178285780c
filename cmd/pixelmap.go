// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/pixelstat/pkg/pixelblaze"
	"github.com/Thermoquad/pixelstat/pkg/pixelmap"
)

var (
	mapJSON bool
	mapSave bool
)

var mapCmd = &cobra.Command{
	Use:   "map",
	Short: "Show or replace the pixel map",
}

var mapShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the pixel coordinates and grid offsets",
	Long: `Download the binary pixel map and print, for every pixel, its normalized
coordinates and its integer offset on the grid formed by the smallest spacing
in each dimension. Devices without a map are shown as a single line.`,
	Args: cobra.NoArgs,
	RunE: runMapShow,
}

var mapSetCmd = &cobra.Command{
	Use:   "set <coords.json>",
	Short: "Upload pixel coordinates as the pixel map",
	Long: `Read a JSON array with one [x], [x, y] or [x, y, z] entry per pixel, encode
it in the map format of the device firmware and send it to the device.

With --save the map is stored and the coordinates are written to
/pixelmap.txt so the mapper shows them.`,
	Args: cobra.ExactArgs(1),
	RunE: runMapSet,
}

func init() {
	rootCmd.AddCommand(mapCmd)
	mapCmd.AddCommand(mapShowCmd, mapSetCmd)
	mapShowCmd.Flags().BoolVar(&mapJSON, "json", false, "Print JSON")
	mapSetCmd.Flags().BoolVar(&mapSave, "save", false, "Persist the map")
}

// pixelCount reads the configured number of pixels
func pixelCount(ctx context.Context, s *pixelblaze.Session) (int, error) {
	config, err := s.ConfigSettings(ctx)
	if err != nil {
		return 0, fmt.Errorf("get settings: %w", err)
	}
	n, ok := config.Int("pixelCount")
	if !ok {
		return 0, fmt.Errorf("device did not report a pixel count")
	}
	return n, nil
}

func runMapShow(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *pixelblaze.Session) error {
		count, err := pixelCount(ctx, s)
		if err != nil {
			return err
		}
		files, err := OpenFileClient(s)
		if err != nil {
			return err
		}
		data, err := files.MapData(ctx)
		if err != nil {
			return err
		}

		var world [][]float64
		if data == nil {
			logger.Info().Msg("device has no pixel map, using a line")
			world = pixelmap.Linear(count)
		} else if world, err = pixelmap.Decode(data, count); err != nil {
			return err
		}
		offsets := pixelmap.Offsets(world)

		if mapJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"pixelCount": count,
				"world":      world,
				"offsets":    offsets,
			})
		}

		fmt.Printf("Pixels: %d  Dimensions: %d\n\n", count, len(world))
		for i := 0; i < count; i++ {
			fmt.Printf("%5d ", i)
			for d := range world {
				fmt.Printf(" %.4f", world[d][i])
			}
			fmt.Printf("  ->")
			for d := range offsets {
				fmt.Printf(" %d", offsets[d][i])
			}
			fmt.Println()
		}
		return nil
	})
}

func runMapSet(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var coords [][]float64
	if err := json.Unmarshal(raw, &coords); err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	return withSession(cmd, func(ctx context.Context, s *pixelblaze.Session) error {
		version, err := s.Version(ctx)
		if err != nil {
			return err
		}
		data, err := pixelmap.Encode(coords, pixelmap.VersionForFirmware(version.Major))
		if err != nil {
			return err
		}
		if count, err := pixelCount(ctx, s); err == nil && count != len(coords) {
			logger.Warn().Int("pixels", count).Int("coordinates", len(coords)).Msg("map size differs from pixel count")
		}

		if err := s.SetMapData(ctx, data, mapSave); err != nil {
			return err
		}
		if mapSave {
			files, err := OpenFileClient(s)
			if err != nil {
				return err
			}
			if err := files.PutFile(ctx, "/pixelmap.txt", raw); err != nil {
				return err
			}
		}
		fmt.Printf("Sent map of %d pixels (%d bytes)\n", len(coords), len(data))
		return nil
	})
}
