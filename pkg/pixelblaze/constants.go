// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package pixelblaze is a client for the Pixelblaze LED controller websocket
// protocol.
//
// A Session owns one websocket to one device. Text messages are compact JSON
// documents keyed by their first field; binary messages are split into
// frames carrying a 2-byte header (message type, continuation flags) and are
// reassembled before use. The device pushes statistics, sequencer state and
// output expander configuration without being asked; a Session caches the
// latest of each so they can be read back later.
package pixelblaze

import (
	"fmt"
	"time"
)

// MessageType is the first byte of every binary frame
type MessageType byte

// Binary message types
const (
	MsgPutSourceCode  MessageType = 1 // client → device
	MsgPutByteCode    MessageType = 3 // client → device
	MsgPreviewImage   MessageType = 4 // client → device, and reply to getPreviewImg
	MsgPreviewFrame   MessageType = 5 // device → client, no continuation flags
	MsgGetSourceCode  MessageType = 6 // device → client
	MsgGetProgramList MessageType = 7 // device → client
	MsgPutPixelMap    MessageType = 8 // client → device
	MsgExpanderConfig MessageType = 9 // both directions
)

func (t MessageType) String() string {
	switch t {
	case MsgPutSourceCode:
		return "putSourceCode"
	case MsgPutByteCode:
		return "putByteCode"
	case MsgPreviewImage:
		return "previewImage"
	case MsgPreviewFrame:
		return "previewFrame"
	case MsgGetSourceCode:
		return "getSourceCode"
	case MsgGetProgramList:
		return "getProgramList"
	case MsgPutPixelMap:
		return "putPixelMap"
	case MsgExpanderConfig:
		return "expanderConfig"
	default:
		return fmt.Sprintf("type%d", byte(t))
	}
}

// Continuation flags (second byte of a binary frame)
const (
	FlagFirst  byte = 1
	FlagMiddle byte = 2
	FlagLast   byte = 4
)

// Frame limits
const (
	FrameHeaderSize      = 2
	MaxFrameSize         = 8192
	MaxByteCodeFrameSize = 1280 // device write buffer for compiled uploads
	PreviewHeaderSize    = 19
)

// Connection defaults
const (
	DefaultPort    = 81
	DefaultTimeout = time.Second

	maxOpenAttempts = 5
)

// Pattern list cache
const (
	DefaultCacheRefresh = 600 * time.Second
	MaxCacheRefresh     = 1_000_000 * time.Second
)

// DefaultPlaylist is the id of the playlist used by the sequencer
const DefaultPlaylist = "_defaultplaylist_"

// SequencerMode selects how the device advances between patterns
type SequencerMode int

const (
	SequencerOff        SequencerMode = 0
	SequencerShuffleAll SequencerMode = 1
	SequencerPlaylist   SequencerMode = 2
)

func (m SequencerMode) String() string {
	switch m {
	case SequencerOff:
		return "off"
	case SequencerShuffleAll:
		return "shuffle"
	case SequencerPlaylist:
		return "playlist"
	default:
		return fmt.Sprintf("mode%d", int(m))
	}
}

// UpdateState is the firmware updater state reported by getUpgradeState
type UpdateState int

const (
	UpdateUnknown UpdateState = iota
	UpdateChecking
	UpdateInProgress
	UpdateError
	UpdateUpToDate
	UpdateAvailable
	UpdateComplete
)

func (s UpdateState) String() string {
	switch s {
	case UpdateChecking:
		return "checking"
	case UpdateInProgress:
		return "inProgress"
	case UpdateError:
		return "updateError"
	case UpdateUpToDate:
		return "upToDate"
	case UpdateAvailable:
		return "updateAvailable"
	case UpdateComplete:
		return "updateComplete"
	default:
		return "unknown"
	}
}

// done reports whether the updater has settled
func (s UpdateState) done() bool {
	return s == UpdateError || s == UpdateUpToDate || s == UpdateAvailable || s == UpdateComplete
}

// LED types accepted by SetLEDType
const (
	LEDNone           = 0
	LEDAPA102         = 1 // also SK9822, DotStar
	LEDWS2812         = 2 // also SK6822, NeoPixel
	LEDWS2801         = 3
	LEDBufferedWS2812 = 4 // v2 only
	LEDOutputExpander = 5
)

// defaultDataSpeeds are applied when the LED type changes
var defaultDataSpeeds = map[int]int{
	LEDAPA102:         2000000,
	LEDWS2812:         2250000,
	LEDWS2801:         2000000,
	LEDBufferedWS2812: 3500000,
	LEDOutputExpander: 2000000,
}

// colorOrders accepted by SetColorOrder
var colorOrders = map[string]bool{
	"RGB": true, "RBG": true, "BRG": true, "BGR": true, "GRB": true, "GBR": true,
	"RGBW": true, "GRBW": true, "RGB-W": true, "GRB-W": true,
}

// CPU speeds accepted by SetCPUSpeed (v3 hardware only)
var cpuSpeeds = map[int]bool{80: true, 160: true, 240: true}
