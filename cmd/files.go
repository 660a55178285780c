// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/pixelstat/pkg/pbb"
)

var (
	filesType   string
	filesOut    string
	filesReboot bool
)

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Transfer files to and from the device file system",
	Long: `Access the device file system over its HTTP file endpoint on port 80.

File types for --type: config, pattern, setting, playlist, system, other, all.
Several types may be combined with commas.`,
}

var filesListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List device files",
	Args:  cobra.NoArgs,
	RunE:  runFilesList,
}

var filesGetCmd = &cobra.Command{
	Use:   "get <device-path>",
	Short: "Download a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runFilesGet,
}

var filesPutCmd = &cobra.Command{
	Use:   "put <local-file> <device-path>",
	Short: "Upload a file",
	Args:  cobra.ExactArgs(2),
	RunE:  runFilesPut,
}

var filesRemoveCmd = &cobra.Command{
	Use:   "rm <device-path>...",
	Short: "Delete files",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runFilesRemove,
}

func init() {
	rootCmd.AddCommand(filesCmd)
	filesCmd.AddCommand(filesListCmd, filesGetCmd, filesPutCmd, filesRemoveCmd)

	filesListCmd.Flags().StringVar(&filesType, "type", "all", "File types to list")
	filesGetCmd.Flags().StringVarP(&filesOut, "out", "o", "", "Output file (default: base name, - for stdout)")
	for _, c := range []*cobra.Command{filesPutCmd, filesRemoveCmd} {
		c.Flags().BoolVar(&filesReboot, "reboot", false, "Reboot the device afterwards")
	}
}

// parseFileTypes turns a comma separated list of type names into a mask
func parseFileTypes(s string) (pbb.FileType, error) {
	names := map[string]pbb.FileType{
		"config":   pbb.FileConfig,
		"pattern":  pbb.FilePattern,
		"setting":  pbb.FilePatternSetting,
		"playlist": pbb.FilePlaylist,
		"system":   pbb.FileSystem,
		"other":    pbb.FileOther,
		"all":      pbb.FileAll,
	}
	var mask pbb.FileType
	for _, part := range strings.Split(s, ",") {
		t, ok := names[strings.TrimSpace(strings.ToLower(part))]
		if !ok {
			return 0, fmt.Errorf("unknown file type %q", part)
		}
		mask |= t
	}
	return mask, nil
}

// devicePath makes a path absolute on the device file system
func devicePath(p string) string {
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

func runFilesList(cmd *cobra.Command, args []string) error {
	types, err := parseFileTypes(filesType)
	if err != nil {
		return err
	}
	files, err := OpenFileClient(nil)
	if err != nil {
		return err
	}
	names, err := files.ListFilesOfType(cmd.Context(), types)
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Printf("%-10s %s\n", pbb.Classify(name), name)
	}
	return nil
}

func runFilesGet(cmd *cobra.Command, args []string) error {
	files, err := OpenFileClient(nil)
	if err != nil {
		return err
	}
	name := devicePath(args[0])
	contents, err := files.GetFile(cmd.Context(), name)
	if err != nil {
		return err
	}
	if contents == nil {
		return fmt.Errorf("%w: %s", pbb.ErrFileNotFound, name)
	}

	out := filesOut
	if out == "" {
		out = pbb.SafeFilename(path.Base(name))
	}
	if out == "-" {
		_, err = os.Stdout.Write(contents)
		return err
	}
	if err := os.WriteFile(out, contents, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%s -> %s (%d bytes)\n", name, out, len(contents))
	return nil
}

func runFilesPut(cmd *cobra.Command, args []string) error {
	contents, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	files, err := OpenFileClient(nil)
	if err != nil {
		return err
	}
	name := devicePath(args[1])
	if err := files.PutFile(cmd.Context(), name, contents); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%s -> %s (%d bytes)\n", args[0], name, len(contents))
	if filesReboot {
		return files.Reboot(cmd.Context())
	}
	return nil
}

func runFilesRemove(cmd *cobra.Command, args []string) error {
	files, err := OpenFileClient(nil)
	if err != nil {
		return err
	}
	for _, arg := range args {
		name := devicePath(arg)
		if err := files.DeleteFile(cmd.Context(), name); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Deleted %s\n", name)
	}
	if filesReboot {
		return files.Reboot(cmd.Context())
	}
	return nil
}
