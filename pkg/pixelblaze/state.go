// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pixelblaze

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Stats is the statistics message the device pushes while preview frames
// are enabled
type Stats struct {
	FPS           float64 `json:"fps"`
	VMErr         int     `json:"vmerr"`
	VMErrPC       int     `json:"vmerrpc"`
	Mem           int     `json:"mem"`
	Exp           int     `json:"exp"`
	RenderType    int     `json:"renderType"`
	Uptime        int64   `json:"uptime"`
	StorageUsed   int64   `json:"storageUsed"`
	StorageSize   int64   `json:"storageSize"`
	RR0           int     `json:"rr0"`
	RR1           int     `json:"rr1"`
	RebootCounter int     `json:"rebootCounter"`
}

// ActiveProgram is the running pattern as reported by the sequencer
type ActiveProgram struct {
	Name            string         `json:"name"`
	ActiveProgramID string         `json:"activeProgramId"`
	Controls        map[string]any `json:"controls"`
}

// Sequencer is the sequencer state message
type Sequencer struct {
	ActiveProgram ActiveProgram `json:"activeProgram"`
	SequencerMode SequencerMode `json:"sequencerMode"`
	RunSequencer  bool          `json:"runSequencer"`
	PlaylistPos   int           `json:"playlistPos"`
	PlaylistID    string        `json:"playlistId"`
	ShuffleTime   int           `json:"ms"`
}

// PlaylistItem is one entry of a playlist
type PlaylistItem struct {
	ID       string `json:"id"`
	Duration int    `json:"ms"`
}

// Playlist is a sequencer playlist
type Playlist struct {
	ID       string         `json:"id"`
	Position int            `json:"position"`
	Current  int            `json:"currentDurationMs,omitempty"`
	Remain   int            `json:"remainingCurrentMs,omitempty"`
	Items    []PlaylistItem `json:"items"`
}

// Settings is the configuration document returned by getConfig. Its
// fields vary between firmware versions, so it is kept as a map with
// typed accessors.
type Settings map[string]any

// String returns a string setting, or "" when absent
func (s Settings) String(key string) string {
	switch v := s[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

// Float returns a numeric setting
func (s Settings) Float(key string) (float64, bool) {
	switch v := s[key].(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Int returns a numeric setting truncated to an integer
func (s Settings) Int(key string) (int, bool) {
	f, ok := s.Float(key)
	return int(math.Trunc(f)), ok
}

// Bool returns a boolean setting
func (s Settings) Bool(key string) bool {
	b, _ := s[key].(bool)
	return b
}

// Version is a firmware version in major.minor form
type Version struct {
	Major int
	Minor int
	Raw   string
}

func (v Version) String() string {
	return v.Raw
}

// ParseVersion parses a version string such as "3.24"
func ParseVersion(raw string) (Version, error) {
	major, minor, _ := strings.Cut(raw, ".")
	v := Version{Raw: raw}

	var err error
	if v.Major, err = strconv.Atoi(major); err != nil {
		return Version{}, fmt.Errorf("invalid firmware version %q", raw)
	}
	if minor != "" {
		if v.Minor, err = strconv.Atoi(minor); err != nil {
			return Version{}, fmt.Errorf("invalid firmware version %q", raw)
		}
	}
	return v, nil
}

func decode[T any](data []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode %T: %w", v, err)
	}
	return &v, nil
}
