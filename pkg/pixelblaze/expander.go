// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pixelblaze

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Output expander configuration layout
const (
	expanderVersion     = 5
	expanderRowSize     = 12
	expanderRowsPerCard = 8
	expanderCardSize    = expanderRowSize * expanderRowsPerCard
)

var ErrExpanderFormat = errors.New("invalid expander configuration")

// expanderColorOrders maps the wire color order byte to its name
var expanderColorOrders = map[byte]string{
	0x24: "RGB",
	0x18: "RBG",
	0x09: "BRG",
	0x06: "BGR",
	0x21: "GRB",
	0x12: "GBR",
	0xE4: "RGBW",
	0xE1: "GRBW",
}

// ExpanderChannel is one output channel of an expander board. Only channels
// driving clocked or WS2812 strips (LED type 1 or 3 on the expander) carry
// the strip fields; the rest are zero.
type ExpanderChannel struct {
	Channel     int    `json:"channel"`
	LEDType     int    `json:"type"`
	NumElements int    `json:"numElements,omitempty"`
	ColorOrder  string `json:"options,omitempty"`
	PixelCount  int    `json:"count,omitempty"`
	StartIndex  int    `json:"startIndex,omitempty"`
	DataSpeed   int    `json:"dataSpeed,omitempty"`
}

// ExpanderBoard is one output expander board
type ExpanderBoard struct {
	Address  int               `json:"address"`
	Channels []ExpanderChannel `json:"rows"`
}

// ExpanderConfig is the decoded output expander configuration
type ExpanderConfig struct {
	Boards []ExpanderBoard `json:"expanders"`
}

// DecodeExpanderConfig decodes the binary expander configuration message:
// a version byte followed by 96 bytes per board, each holding eight
// 12-byte channel rows.
func DecodeExpanderConfig(data []byte) (*ExpanderConfig, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty", ErrExpanderFormat)
	}
	if data[0] != expanderVersion {
		return nil, fmt.Errorf("%w: version %d, expected %d", ErrExpanderFormat, data[0], expanderVersion)
	}

	rows := data[1:]
	if len(rows)%expanderCardSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrExpanderFormat, len(rows), expanderCardSize)
	}

	config := &ExpanderConfig{Boards: []ExpanderBoard{}}
	for i := 0; i < len(rows)/expanderRowSize; i++ {
		row := rows[i*expanderRowSize : (i+1)*expanderRowSize]

		if i%expanderRowsPerCard == 0 {
			config.Boards = append(config.Boards, ExpanderBoard{Address: int(row[0] >> 3)})
		}
		board := &config.Boards[len(config.Boards)-1]

		ch := ExpanderChannel{
			Channel: int(row[0] % 8),
			LEDType: int(row[1]),
		}
		if ch.LEDType == 1 || ch.LEDType == 3 {
			ch.NumElements = int(row[2])
			ch.ColorOrder = colorOrderName(row[3])
			ch.PixelCount = int(binary.LittleEndian.Uint16(row[4:]))
			ch.StartIndex = int(binary.LittleEndian.Uint16(row[6:]))
			ch.DataSpeed = int(binary.LittleEndian.Uint32(row[8:]))
		}
		board.Channels = append(board.Channels, ch)
	}
	return config, nil
}

func colorOrderName(b byte) string {
	if name, ok := expanderColorOrders[b]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", b)
}
