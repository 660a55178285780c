// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pbb

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Thermoquad/pixelstat/pkg/pbp"
)

// Explode subdirectories
const (
	ConfigDir   = "Configuration"
	PlaylistDir = "Playlists"
	PatternDir  = "Patterns"

	playlistFile = "defaultPlaylist.json"
)

// Explode writes every file of the backup into dir, sorted by category:
//
//	Configuration/<file>            configuration files
//	Playlists/defaultPlaylist.json  the playlist
//	Patterns/<name>.pbp             patterns, named after the embedded name,
//	                                plus the pattern's own explode output
//	Patterns/<name>.json            pattern control settings
//	<file>                          everything else
//
// System files are not written. Entries whose path would leave dir fail
// with ErrUnsafePath.
func (b *Backup) Explode(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("explode: %w", err)
	}

	for _, name := range b.Files(FileConfig) {
		if err := writeInto(filepath.Join(dir, ConfigDir), name[1:], b.files[name]); err != nil {
			return err
		}
	}

	for _, name := range b.Files(FilePlaylist) {
		if err := writeInto(filepath.Join(dir, PlaylistDir), playlistFile, b.files[name]); err != nil {
			return err
		}
	}

	patternDir := filepath.Join(dir, PatternDir)
	for _, name := range b.Files(FilePattern | FilePatternSetting) {
		contents := b.files[name]
		if Classify(name) == FilePatternSetting {
			parent := strings.TrimSuffix(name, ".c")
			target := SafeFilename(b.patternName(parent)) + ".json"
			if err := writeInto(patternDir, target, contents); err != nil {
				return err
			}
			continue
		}

		p := pbp.FromBytes(PatternID(name), contents)
		path, err := localPath(patternDir, SafeFilename(b.patternName(name))+pbp.Ext)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(patternDir, 0o755); err != nil {
			return fmt.Errorf("explode: %w", err)
		}
		if err := p.WriteFile(path); err != nil {
			return err
		}
		if err := p.Explode(path); err != nil {
			return fmt.Errorf("explode %s: %w", name, err)
		}
	}

	for _, name := range b.Files(FileOther) {
		if err := writeInto(dir, strings.TrimPrefix(name, "/"), b.files[name]); err != nil {
			return err
		}
	}
	return nil
}

// patternName returns the name embedded in the pattern at path, falling back
// to the pattern id when the pattern is missing or unreadable
func (b *Backup) patternName(path string) string {
	contents, ok := b.files[path]
	if !ok {
		return PatternID(path)
	}
	name, err := pbp.FromBytes(PatternID(path), contents).Name()
	if err != nil || name == "" {
		return PatternID(path)
	}
	return name
}

// localPath joins name below dir. Names that would resolve outside dir,
// such as "../x" or absolute paths, fail with ErrUnsafePath.
func localPath(dir, name string) (string, error) {
	rel := filepath.FromSlash(name)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("explode %q: %w", name, ErrUnsafePath)
	}
	return filepath.Join(dir, rel), nil
}

// writeInto writes a file below dir, creating any missing directories
func writeInto(dir, name string, contents []byte) error {
	path, err := localPath(dir, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("explode: %w", err)
	}
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		return fmt.Errorf("explode %s: %w", name, err)
	}
	return nil
}
