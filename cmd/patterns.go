// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/pixelstat/pkg/pbb"
	"github.com/Thermoquad/pixelstat/pkg/pbp"
	"github.com/Thermoquad/pixelstat/pkg/pixelblaze"
)

var (
	patternSave    bool
	patternOutDir  string
	patternExplode bool
)

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "List, activate, download and upload patterns",
}

var patternsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the patterns stored on the device",
	Args:  cobra.NoArgs,
	RunE:  runPatternsList,
}

var patternsActivateCmd = &cobra.Command{
	Use:   "activate <id-or-name>",
	Short: "Switch the device to a pattern",
	Args:  cobra.ExactArgs(1),
	RunE:  runPatternsActivate,
}

var patternsExportCmd = &cobra.Command{
	Use:   "export <id>...",
	Short: "Save patterns as portable .epe exports",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPatternsExport,
}

var patternsDownloadCmd = &cobra.Command{
	Use:   "download <id>...",
	Short: "Save patterns as binary .pbp containers",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPatternsDownload,
}

var patternsUploadCmd = &cobra.Command{
	Use:   "upload <file.pbp>...",
	Short: "Store .pbp containers on the device",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPatternsUpload,
}

var patternsRunCmd = &cobra.Command{
	Use:   "run <file.pbp>",
	Short: "Run a pattern's bytecode without saving it",
	Args:  cobra.ExactArgs(1),
	RunE:  runPatternsRun,
}

var patternsDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete patterns from the device",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPatternsDelete,
}

func init() {
	rootCmd.AddCommand(patternsCmd)
	patternsCmd.AddCommand(patternsListCmd, patternsActivateCmd, patternsExportCmd,
		patternsDownloadCmd, patternsUploadCmd, patternsRunCmd, patternsDeleteCmd)

	patternsActivateCmd.Flags().BoolVar(&patternSave, "save", false, "Persist the selection across reboots")
	for _, c := range []*cobra.Command{patternsExportCmd, patternsDownloadCmd} {
		c.Flags().StringVarP(&patternOutDir, "out", "o", ".", "Output directory")
		c.Flags().BoolVar(&patternExplode, "explode", false, "Also write the components as separate files")
	}
}

// withSession opens a session for the duration of fn
func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *pixelblaze.Session) error) error {
	ctx := cmd.Context()
	session, err := OpenSession(ctx)
	if err != nil {
		connectionError(err)
	}
	defer session.Close()
	return fn(ctx, session)
}

func runPatternsList(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *pixelblaze.Session) error {
		patterns, err := s.PatternList(ctx, true)
		if err != nil {
			return err
		}
		active, err := s.ActivePattern(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("could not read the active pattern")
		}

		ids := make([]string, 0, len(patterns))
		for id := range patterns {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			return patterns[ids[i]] < patterns[ids[j]]
		})

		for _, id := range ids {
			marker := " "
			if id == active {
				marker = "*"
			}
			fmt.Printf("%s %-17s  %s\n", marker, id, patterns[id])
		}
		fmt.Printf("\n%d patterns\n", len(ids))
		return nil
	})
}

func runPatternsActivate(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *pixelblaze.Session) error {
		patterns, err := s.PatternList(ctx, false)
		if err != nil {
			return err
		}
		if name, ok := patterns[args[0]]; ok {
			fmt.Printf("Activating %s\n", name)
			return s.SetActivePattern(ctx, args[0], patternSave)
		}
		fmt.Printf("Activating %s\n", args[0])
		return s.SetActivePatternByName(ctx, args[0], patternSave)
	})
}

func runPatternsExport(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *pixelblaze.Session) error {
		for _, id := range args {
			export, err := s.PatternAsExport(ctx, id)
			if err != nil {
				return fmt.Errorf("export %s: %w", id, err)
			}
			path := filepath.Join(patternOutDir, pbb.SafeFilename(export.Name)+pbp.ExportExt)
			if err := export.WriteFile(path); err != nil {
				return err
			}
			if patternExplode {
				if err := export.Explode(path); err != nil {
					return err
				}
			}
			fmt.Printf("%s -> %s\n", id, path)
		}
		return nil
	})
}

func runPatternsDownload(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *pixelblaze.Session) error {
		files, err := OpenFileClient(s)
		if err != nil {
			return err
		}
		for _, id := range args {
			blob, err := files.GetFile(ctx, "/p/"+id)
			if err != nil {
				return err
			}
			if blob == nil {
				return fmt.Errorf("%w: %s", pixelblaze.ErrPatternNotFound, id)
			}

			pattern := pbp.FromBytes(id, blob)
			name, err := pattern.Name()
			if err != nil {
				return fmt.Errorf("pattern %s: %w", id, err)
			}
			path := filepath.Join(patternOutDir, pbb.SafeFilename(name)+pbp.Ext)
			if err := pattern.WriteFile(path); err != nil {
				return err
			}
			if patternExplode {
				if err := pattern.Explode(path); err != nil {
					return err
				}
			}
			fmt.Printf("%s -> %s\n", id, path)
		}
		return nil
	})
}

func runPatternsUpload(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *pixelblaze.Session) error {
		for _, path := range args {
			pattern, err := pbp.ReadFile(path)
			if err != nil {
				return err
			}
			name, err := pattern.Name()
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			if err := s.UploadPattern(ctx, pattern); err != nil {
				return fmt.Errorf("upload %s: %w", path, err)
			}
			fmt.Printf("Uploaded %s (%s)\n", name, pattern.ID())
		}
		return nil
	})
}

func runPatternsRun(cmd *cobra.Command, args []string) error {
	pattern, err := pbp.ReadFile(args[0])
	if err != nil {
		return err
	}
	bytecode, err := pattern.Bytecode()
	if err != nil {
		return err
	}
	return withSession(cmd, func(ctx context.Context, s *pixelblaze.Session) error {
		if err := s.SendPatternToRenderer(ctx, bytecode, nil); err != nil {
			return err
		}
		fmt.Printf("Running %s (not saved)\n", args[0])
		return nil
	})
}

func runPatternsDelete(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *pixelblaze.Session) error {
		for _, id := range args {
			if err := s.DeletePattern(ctx, id); err != nil {
				return fmt.Errorf("delete %s: %w", id, err)
			}
			fmt.Printf("Deleted %s\n", id)
		}
		return nil
	})
}
