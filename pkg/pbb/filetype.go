// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pbb

import (
	"path"
	"strings"
)

// FileType is a bitmask of device file categories
type FileType uint8

// File categories
const (
	FileConfig FileType = 1 << iota
	FilePattern
	FilePatternSetting
	FilePlaylist
	FileSystem
	FileOther

	FileAll = FileConfig | FilePattern | FilePatternSetting | FilePlaylist | FileSystem | FileOther
)

// configFiles live in the root of the device file system
var configFiles = map[string]bool{
	"config.json":  true,
	"config2.json": true,
	"obconf.dat":   true,
	"pixelmap.txt": true,
	"pixelmap.dat": true,
}

// Classify returns the category of a device path
func Classify(name string) FileType {
	switch {
	case strings.HasPrefix(name, "/") && configFiles[name[1:]]:
		return FileConfig
	case strings.HasPrefix(name, "/p/"):
		if strings.HasSuffix(name, ".c") {
			return FilePatternSetting
		}
		return FilePattern
	case strings.HasPrefix(name, "/l/"):
		return FilePlaylist
	case strings.HasSuffix(name, ".gz"):
		return FileSystem
	default:
		return FileOther
	}
}

// Matches reports whether name falls in any of the categories in t
func (t FileType) Matches(name string) bool {
	return t&Classify(name) != 0
}

// String returns a human-readable category list
func (t FileType) String() string {
	if t == FileAll {
		return "all"
	}
	names := []struct {
		flag FileType
		name string
	}{
		{FileConfig, "config"},
		{FilePattern, "pattern"},
		{FilePatternSetting, "pattern-setting"},
		{FilePlaylist, "playlist"},
		{FileSystem, "system"},
		{FileOther, "other"},
	}
	var parts []string
	for _, n := range names {
		if t&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// PatternID returns the pattern id encoded in a /p/ path
func PatternID(name string) string {
	base := path.Base(strings.TrimPrefix(name, "/p/"))
	return strings.TrimSuffix(base, path.Ext(base))
}

// SafeFilename replaces the path separator, the only character the device
// allows in a name that a file system does not, with U+2215 DIVISION SLASH
func SafeFilename(name string) string {
	return strings.ReplaceAll(name, "/", "∕")
}
