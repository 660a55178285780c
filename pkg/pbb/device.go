// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pbb

import (
	"context"
	"fmt"
)

// FileStore is the device file system as exposed by its HTTP file endpoint
type FileStore interface {
	// ListFiles returns every path on the device
	ListFiles(ctx context.Context) ([]string, error)
	// GetFile returns nil contents and no error when the file does not exist
	GetFile(ctx context.Context, name string) ([]byte, error)
	PutFile(ctx context.Context, name string, contents []byte) error
	DeleteFile(ctx context.Context, name string) error
	Reboot(ctx context.Context) error
}

// Transfer steps reported to a Progress callback
const (
	StepDownload = "download"
	StepDelete   = "delete"
	StepUpload   = "upload"
	StepReboot   = "reboot"
)

// Progress is called before each file transfer step
type Progress func(step, name string)

// FromDevice downloads every non-system file into a new backup attributed
// to name
func FromDevice(ctx context.Context, store FileStore, name string, progress Progress) (*Backup, error) {
	names, err := store.ListFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list device files: %w", err)
	}

	b := New(name)
	for _, file := range names {
		if !(FileAll &^ FileSystem).Matches(file) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report(progress, StepDownload, file)
		contents, err := store.GetFile(ctx, file)
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", file, err)
		}
		if contents != nil {
			b.Put(file, contents)
		}
	}
	return b, nil
}

// ToDevice replaces the device's files with the contents of the backup and
// reboots it. System files on the device are left in place.
func (b *Backup) ToDevice(ctx context.Context, store FileStore, progress Progress) error {
	names, err := store.ListFiles(ctx)
	if err != nil {
		return fmt.Errorf("list device files: %w", err)
	}

	for _, file := range names {
		if !(FileAll &^ FileSystem).Matches(file) {
			continue
		}
		report(progress, StepDelete, file)
		if err := store.DeleteFile(ctx, file); err != nil {
			return fmt.Errorf("delete %s: %w", file, err)
		}
	}

	for _, file := range b.Files(FileAll) {
		if err := ctx.Err(); err != nil {
			return err
		}
		report(progress, StepUpload, file)
		if err := store.PutFile(ctx, file, b.files[file]); err != nil {
			return fmt.Errorf("upload %s: %w", file, err)
		}
	}

	report(progress, StepReboot, "")
	if err := store.Reboot(ctx); err != nil {
		return fmt.Errorf("reboot: %w", err)
	}
	return nil
}

func report(progress Progress, step, name string) {
	if progress != nil {
		progress(step, name)
	}
}
