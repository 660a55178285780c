// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/pixelstat/pkg/archive"
	"github.com/Thermoquad/pixelstat/pkg/pbb"
)

var (
	backupOut     string
	backupCompact bool
	backupExplode bool
	backupS3      bool
	backupBucket  string

	restoreLatest bool
	restoreDevice string
	restoreYes    bool
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Save every pattern, playlist and setting of a device",
	Long: `Download every file of a device except its system files into a backup.

The backup is written as a .pbb JSON document, or a .pbbc CBOR document with
--compact. With --explode the patterns and settings are also written as
separate files next to it. With --s3 the backup is uploaded to the archive
bucket configured in the [archive] table (or --s3-bucket) instead of being
written locally.

Examples:
  pixelstat -a 192.168.1.20 backup
  pixelstat -a 192.168.1.20 backup -o living-room --explode
  pixelstat -a 192.168.1.20 backup --s3 --compact`,
	Args: cobra.NoArgs,
	RunE: runBackup,
}

var restoreCmd = &cobra.Command{
	Use:   "restore [file.pbb]",
	Short: "Replace the files of a device with a backup and reboot it",
	Long: `Delete every pattern, playlist and setting of a device, upload the contents
of a backup and reboot the device.

The backup is read from a local .pbb or .pbbc file, or with --s3 from the
archive bucket: either the object named as argument, or with --latest the
newest backup of --device (defaults to the device's own name).`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRestore,
}

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.Flags().StringVarP(&backupOut, "out", "o", "", "Output file (default: device name)")
	backupCmd.Flags().BoolVar(&backupCompact, "compact", false, "Write CBOR instead of JSON")
	backupCmd.Flags().BoolVar(&backupExplode, "explode", false, "Also write each file separately")
	backupCmd.Flags().BoolVar(&backupS3, "s3", false, "Upload to the archive bucket")
	backupCmd.Flags().StringVar(&backupBucket, "s3-bucket", "", "Archive bucket (implies --s3, overrides archive.bucket)")

	rootCmd.AddCommand(restoreCmd)
	restoreCmd.Flags().BoolVar(&backupS3, "s3", false, "Read from the archive bucket")
	restoreCmd.Flags().StringVar(&backupBucket, "s3-bucket", "", "Archive bucket (implies --s3, overrides archive.bucket)")
	restoreCmd.Flags().BoolVar(&restoreLatest, "latest", false, "Restore the newest archived backup")
	restoreCmd.Flags().StringVar(&restoreDevice, "device", "", "Device name to look up with --latest")
	restoreCmd.Flags().BoolVarP(&restoreYes, "yes", "y", false, "Do not ask for confirmation")
}

// archiveConfig applies --bucket to the [archive] settings
func archiveConfig() (archive.Config, error) {
	cfg := settings.Archive
	if backupBucket != "" {
		cfg.Bucket = backupBucket
	}
	if cfg.Bucket == "" {
		return cfg, errors.New("no archive bucket: use --s3-bucket or set archive.bucket in the config file")
	}
	return cfg, nil
}

// archiveStore builds the S3 store from the [archive] settings
func archiveStore(cfg archive.Config) *archive.Store {
	client := archive.NewS3Client(cfg)
	return archive.New(client, cfg.Bucket, cfg.Prefix, archive.WithLogger(logger))
}

// printProgress reports file transfers on stderr
func printProgress(step, name string) {
	if step == pbb.StepReboot {
		fmt.Fprintf(os.Stderr, "Rebooting device\n")
		return
	}
	fmt.Fprintf(os.Stderr, "  %-8s %s\n", step, name)
}

func runBackup(cmd *cobra.Command, args []string) error {
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
	name := config.String("name")
	if name == "" {
		name = fileHost(settings.Address)
	}

	files, err := OpenFileClient(session)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Backing up %s\n", name)
	backup, err := pbb.FromDevice(ctx, files, name, printProgress)
	if err != nil {
		return err
	}

	if backupS3 || backupBucket != "" {
		cfg, err := archiveConfig()
		if err != nil {
			return err
		}
		key, err := archiveStore(cfg).Save(ctx, backup, backupCompact)
		if err != nil {
			return err
		}
		fmt.Printf("%d files archived to s3://%s/%s\n", backup.Len(), cfg.Bucket, key)
		return nil
	}

	out := backupOut
	if out == "" {
		out = pbb.SafeFilename(name)
	}
	var path string
	if backupCompact {
		path, err = backup.WriteCompactFile(out)
	} else {
		path, err = backup.WriteFile(out)
	}
	if err != nil {
		return err
	}
	if backupExplode {
		dir := strings.TrimSuffix(path, filepath.Ext(path))
		if err := backup.Explode(dir); err != nil {
			return err
		}
	}
	fmt.Printf("%d files saved to %s\n", backup.Len(), path)
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	session, err := OpenSession(ctx)
	if err != nil {
		connectionError(err)
	}
	defer session.Close()

	var backup *pbb.Backup
	switch {
	case backupS3 || backupBucket != "":
		cfg, err := archiveConfig()
		if err != nil {
			return err
		}
		store := archiveStore(cfg)
		if len(args) == 1 {
			backup, err = store.Load(ctx, args[0])
		} else if restoreLatest {
			device := restoreDevice
			if device == "" {
				config, err := session.ConfigSettings(ctx)
				if err != nil {
					return fmt.Errorf("get settings: %w", err)
				}
				device = config.String("name")
			}
			backup, err = store.Latest(ctx, device)
		} else {
			return errors.New("restore --s3 needs an object key or --latest")
		}
		if err != nil {
			return err
		}
	case len(args) == 1:
		backup, err = pbb.ReadFile(args[0])
		if err != nil {
			return err
		}
	default:
		return errors.New("restore needs a backup file, or --s3")
	}

	fmt.Printf("Restoring %d files from the backup of %q to %s\n", backup.Len(), backup.DeviceName(), session.Address())
	if !restoreYes && !confirm("All patterns and settings on the device will be replaced. Continue?") {
		return errors.New("restore cancelled")
	}

	files, err := OpenFileClient(session)
	if err != nil {
		return err
	}
	if err := backup.ToDevice(ctx, files, printProgress); err != nil {
		return err
	}
	fmt.Printf("Restore complete\n")
	return nil
}

// confirm asks a yes/no question on the terminal
func confirm(question string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N] ", question)
	var answer string
	if _, err := fmt.Scanln(&answer); err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
